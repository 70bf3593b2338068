package state

const (
	DefaultVrf = "default"
	// NullInterface discards traffic; routes pointing at it become explicit null routes.
	NullInterface = "null0"
	// NoneNode is the sentinel neighbor of a hop that leaves the simulated network.
	NoneNode = "(none)"
)

// default administrative distances
var (
	AdminConnected    = 0
	AdminStatic       = 1
	AdminEbgp         = 20
	AdminOspf         = 110
	AdminOspfExternal = 110
	AdminRip          = 120
	AdminGenerated    = 130
	AdminIbgp         = 200
)

var (
	DefaultLocalPref           = 100
	DefaultOspfExternalMetric  = int64(20)
	DefaultOspfCost            = int64(1)
	RipInfinity                = int64(16)
	DefaultMaxRecoveryAttempts = 3
	DefaultMaxRecordedIters    = 5
	// MinRecordedIters is the smallest snapshot window that can still diff a two-iteration cycle.
	MinRecordedIters = 3
)
