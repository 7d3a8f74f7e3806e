package trivialdb

// Fetch returns a copy of the value stored under key. A missing key is
// reported with ok == false, not an error.
func (db *DB) Fetch(key []byte) (value []byte, ok bool, err error) {
	if err := db.enter(); err != nil {
		return nil, false, err
	}
	defer db.mu.Unlock()

	hash := db.hash(key)
	b := db.bucket(hash)
	if err := db.lockChain(b, LockShared); err != nil {
		return nil, false, err
	}
	defer db.unlockChain(b)

	h, ok, err := db.find(b, hash, key)
	if err != nil || !ok {
		return nil, false, err
	}
	value, err = db.readValue(h.off, &h.rec)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Exists reports whether key is present without reading its value.
func (db *DB) Exists(key []byte) (bool, error) {
	if err := db.enter(); err != nil {
		return false, err
	}
	defer db.mu.Unlock()

	hash := db.hash(key)
	b := db.bucket(hash)
	if err := db.lockChain(b, LockShared); err != nil {
		return false, err
	}
	defer db.unlockChain(b)

	_, ok, err := db.find(b, hash, key)
	return ok, err
}
