package common

type DummyLogWriter struct{}

var dummyLogWriter DummyLogWriter = DummyLogWriter{}

var _ LogWriter = &DummyLogWriter{}

func NoLogs() *DummyLogWriter {
	return &dummyLogWriter
}

func (l *DummyLogWriter) LogWrite(
	txnID TxnID,
	pageIdent PageIdentity,
	before []byte,
	after []byte,
) (LSN, error) {
	return NilLSN, nil
}

func (l *DummyLogWriter) Force() error {
	return nil
}
