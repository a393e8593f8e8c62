package db

// pruneBatch bounds how many rows one PruneBefore statement deletes.
const pruneBatch = 5000
