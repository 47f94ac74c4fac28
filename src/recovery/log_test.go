package recovery

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

const logPath = "/wal/heapdb.wal"

func collect(t *testing.T, l *TxnLogger) []Record {
	t.Helper()

	var res []Record
	for rec, err := range l.Records() {
		require.NoError(t, err)
		res = append(res, rec)
	}
	return res
}

func pageImage(fill byte, size int) []byte {
	img := make([]byte, size)
	copy(img, bytes.Repeat([]byte{fill}, size/4))
	return img
}

func TestParseCompression(t *testing.T) {
	for in, want := range map[string]Compression{
		"":        CompressionNone,
		"none":    CompressionNone,
		"Snappy":  CompressionSnappy,
		" lz4 ":   CompressionLZ4,
		"SNAPPY ": CompressionSnappy,
	} {
		got, err := ParseCompression(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCompression("zstd")
	assert.Error(t, err)
}

func TestCodecs(t *testing.T) {
	compressible := pageImage(0x7F, 4096)
	random := make([]byte, 512)
	_, err := rand.Read(random)
	require.NoError(t, err)

	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			for _, src := range [][]byte{compressible, random} {
				codec, enc, err := encodeImage(c, src)
				require.NoError(t, err)
				if c == CompressionNone {
					assert.Equal(t, codecRaw, codec)
				}
				assert.LessOrEqual(t, len(enc), len(src))

				dec, err := decodeImage(codec, len(src), enc)
				require.NoError(t, err)
				assert.Equal(t, src, dec)
			}

			codec, enc, err := encodeImage(c, compressible)
			require.NoError(t, err)
			if c != CompressionNone {
				assert.NotEqual(t, codecRaw, codec)
				assert.Less(t, len(enc), len(compressible))
			}
		})
	}

	_, err = decodeImage(42, 1, []byte{1})
	assert.ErrorIs(t, err, ErrCorruptLog)
}

func TestAppendAndRead(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionLZ4} {
		t.Run(string(c), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			require.NoError(t, fs.MkdirAll(filepath.Dir(logPath), 0755))

			l, err := Open(fs, logPath, c)
			require.NoError(t, err)
			assert.Equal(t, common.NilLSN, l.FlushedLSN())

			pIdent := common.PageIdentity{FileID: 3, PageID: 9}
			before := pageImage(0, 4096)
			after := pageImage(0xAB, 4096)

			lsn, err := l.LogWrite(5, pIdent, before, after)
			require.NoError(t, err)
			assert.Equal(t, common.LSN(1), lsn)

			lsn, err = l.LogWrite(6, pIdent, after, before)
			require.NoError(t, err)
			assert.Equal(t, common.LSN(2), lsn)

			require.NoError(t, l.Force())
			assert.Equal(t, common.LSN(2), l.FlushedLSN())

			recs := collect(t, l)
			require.Len(t, recs, 2)
			assert.Equal(t, Record{LSN: 1, TxnID: 5, PageID: pIdent, Before: before, After: after}, recs[0])
			assert.Equal(t, Record{LSN: 2, TxnID: 6, PageID: pIdent, Before: after, After: before}, recs[1])

			require.NoError(t, l.Close())
		})
	}
}

func TestReopenContinuesLSN(t *testing.T) {
	fs := afero.NewMemMapFs()

	l, err := Open(fs, logPath, CompressionSnappy)
	require.NoError(t, err)
	for range 3 {
		_, err := l.LogWrite(1, common.PageIdentity{}, pageImage(1, 64), pageImage(2, 64))
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l, err = Open(fs, logPath, CompressionLZ4)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(3), l.FlushedLSN())

	lsn, err := l.LogWrite(2, common.PageIdentity{}, pageImage(3, 64), pageImage(4, 64))
	require.NoError(t, err)
	assert.Equal(t, common.LSN(4), lsn)

	recs := collect(t, l)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, common.LSN(i+1), rec.LSN) //nolint:gosec
	}
	require.NoError(t, l.Close())
}

func TestTornTailIsCut(t *testing.T) {
	fs := afero.NewMemMapFs()

	l, err := Open(fs, logPath, CompressionNone)
	require.NoError(t, err)
	_, err = l.LogWrite(1, common.PageIdentity{}, pageImage(1, 64), pageImage(2, 64))
	require.NoError(t, err)
	_, err = l.LogWrite(1, common.PageIdentity{}, pageImage(3, 64), pageImage(4, 64))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	info, err := fs.Stat(logPath)
	require.NoError(t, err)
	f, err := fs.OpenFile(logPath, os.O_RDWR, 0600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(info.Size()-10))
	require.NoError(t, f.Close())

	l, err = Open(fs, logPath, CompressionNone)
	require.NoError(t, err)
	defer l.Close()

	recs := collect(t, l)
	require.Len(t, recs, 1)
	assert.Equal(t, pageImage(2, 64), recs[0].After)

	lsn, err := l.LogWrite(1, common.PageIdentity{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, common.LSN(2), lsn)
	assert.Len(t, collect(t, l), 2)
}

func TestCorruptRecordIsReported(t *testing.T) {
	fs := afero.NewMemMapFs()

	l, err := Open(fs, logPath, CompressionNone)
	require.NoError(t, err)
	_, err = l.LogWrite(1, common.PageIdentity{}, pageImage(1, 64), pageImage(2, 64))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := afero.ReadFile(fs, logPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, afero.WriteFile(fs, "/wal/broken.wal", data, 0600))

	broken := &TxnLogger{fs: fs, path: "/wal/broken.wal"}
	var errs []error
	for _, err := range broken.Records() {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrCorruptLog)
}

func writeTwoRecords(t *testing.T, fs afero.Fs) []byte {
	t.Helper()

	l, err := Open(fs, logPath, CompressionNone)
	require.NoError(t, err)
	_, err = l.LogWrite(1, common.PageIdentity{}, pageImage(1, 64), pageImage(2, 64))
	require.NoError(t, err)
	_, err = l.LogWrite(2, common.PageIdentity{}, pageImage(3, 64), pageImage(4, 64))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := afero.ReadFile(fs, logPath)
	require.NoError(t, err)
	return data
}

func TestCorruptMiddleRecordFailsOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeTwoRecords(t, fs)

	// damage the body of the first record, the second one stays intact
	data[frameHeaderSize+bodyHeaderSize+1] ^= 0xFF
	require.NoError(t, afero.WriteFile(fs, logPath, data, 0600))

	_, err := Open(fs, logPath, CompressionNone)
	assert.ErrorIs(t, err, ErrCorruptLog)

	after, err := afero.ReadFile(fs, logPath)
	require.NoError(t, err)
	assert.Equal(t, data, after, "nothing is truncated")
}

func TestCorruptLastRecordIsCut(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := writeTwoRecords(t, fs)

	data[len(data)-1] ^= 0xFF
	require.NoError(t, afero.WriteFile(fs, logPath, data, 0600))

	l, err := Open(fs, logPath, CompressionNone)
	require.NoError(t, err)
	defer l.Close()

	recs := collect(t, l)
	require.Len(t, recs, 1)
	assert.Equal(t, pageImage(2, 64), recs[0].After)
}

func TestOsFs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heapdb.wal")

	l, err := Open(afero.NewOsFs(), path, CompressionLZ4)
	require.NoError(t, err)
	_, err = l.LogWrite(1, common.PageIdentity{FileID: 1}, pageImage(9, 4096), pageImage(8, 4096))
	require.NoError(t, err)
	require.NoError(t, l.Force())
	require.NoError(t, l.Close())

	l, err = Open(afero.NewOsFs(), path, CompressionLZ4)
	require.NoError(t, err)
	defer l.Close()
	recs := collect(t, l)
	require.Len(t, recs, 1)
	assert.Equal(t, pageImage(8, 4096), recs[0].After)
}
