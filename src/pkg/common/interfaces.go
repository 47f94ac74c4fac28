package common

// LogWriter is the write-ahead log collaborator. The buffer pool appends
// a before/after image pair for every dirty page and forces the log
// before the page itself reaches the data file.
type LogWriter interface {
	LogWrite(txnID TxnID, pageIdent PageIdentity, before []byte, after []byte) (LSN, error)
	Force() error
}
