package constants

// Advisory lock keys shared by every worker process.
const (
	MigrationLock int64 = 72_000 + iota
)
