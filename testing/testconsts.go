package testing

// Logger Constants
// These constants define common logger configurations used across test files.
const (
	// TestLoggerLevelDebug is the debug log level used in most tests
	TestLoggerLevelDebug = "debug"
	// TestLoggerLevelDisabled completely disables logging in tests
	TestLoggerLevelDisabled = "disabled"
)

// Accounts
// Seeded users of the fake production API.
const (
	TestUsername      = "operador"
	TestPassword      = "secreto"
	TestAdminUsername = "supervisor"
	TestAdminPassword = "supervisor-secreto"
	TestRoleOperator  = "operator"
	TestRoleAdmin     = "admin"
)

// Production records
// Common values for production record fixtures.
const (
	TestMachine      = "inyectora-03"
	TestProcess      = "moldeo"
	TestShiftMorning = "morning"
	TestRecordDate   = "2026-10-15"
)

// API paths
const (
	TestPathRecords = "/produccion"
	TestPathUsers   = "/usuarios"
	TestPathFailure = "/reportes/falla"
	TestPathLimited = "/consultas"
)
