package mining

// TxEntry is one transaction from an upstream block template, as returned
// by getblocktemplate.
type TxEntry struct {
	TxID   string
	WTxID  string
	Fee    int64
	Weight int64
	Hex    string
}

// Template is a candidate block template fed in from upstream. ClearJobs is
// true when the tip changed since the previous template (a new block was
// found), signalling that every job built from a prior template must be
// discarded.
type Template struct {
	PrevBlockHash     string
	Version           int32
	NBits             uint32
	Height            int64
	NetworkDifficulty float64
	Transactions      []TxEntry
	ClearJobs         bool
	CoinbaseValue     int64
	CurTime           uint32
}
