package trivialdb

// Open-file-description locks let one process hold several handles on a
// file, each excluding the others.
const multiHandle = true
