package trivialdb

const multiHandle = true
