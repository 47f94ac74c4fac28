package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var ErrCorruptLog = errors.New("corrupt log record")

// Record is one logged page write.
type Record struct {
	LSN    common.LSN
	TxnID  common.TxnID
	PageID common.PageIdentity
	Before []byte
	After  []byte
}

// On disk every record is framed as
//
//	bodyLen u32 | checksum u64 (xxhash of body) | body
//
// and the body is
//
//	lsn u64 | txn u64 | file u64 | page u64 | image(before) | image(after)
//
// where an image is codec u8 | rawLen u32 | encLen u32 | bytes.
const (
	frameHeaderSize = 4 + 8
	bodyHeaderSize  = 4 * 8
	imageHeaderSize = 1 + 4 + 4
)

// TxnLogger is an append-only write-ahead log of page images.
type TxnLogger struct {
	fs          afero.Fs
	path        string
	compression Compression

	mu         sync.Mutex
	file       afero.File
	nextLSN    common.LSN
	flushedLSN common.LSN

	logger src.Logger
}

var _ common.LogWriter = &TxnLogger{}

// Open opens or creates the log at path. A torn record at the tail, left
// by a crash in the middle of an append, is cut off. A damaged record
// followed by more data fails with ErrCorruptLog and leaves the file as is.
func Open(fs afero.Fs, path string, compression Compression) (*TxnLogger, error) {
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}

	l := &TxnLogger{
		fs:          fs,
		path:        path,
		compression: compression,
		file:        file,
		nextLSN:     1,
		flushedLSN:  common.NilLSN,
		logger:      src.NopLogger(),
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat log %s: %w", path, err)
	}

	end, lastLSN, err := scanTail(file, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	if lastLSN != common.NilLSN {
		l.nextLSN = lastLSN + 1
		l.flushedLSN = lastLSN
	}

	if info.Size() > end {
		if err := file.Truncate(end); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("failed to cut torn tail of %s: %w", path, err)
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek log %s: %w", path, err)
	}
	return l, nil
}

// scanTail returns the offset right after the last intact record and
// its LSN. Only a damaged frame reaching the end of the file, size bytes
// long, counts as a torn tail.
func scanTail(r io.ReaderAt, size int64) (int64, common.LSN, error) {
	var (
		off     int64
		lastLSN = common.NilLSN
	)
	for {
		rec, n, err := readRecord(r, off)
		if errors.Is(err, io.EOF) {
			return off, lastLSN, nil
		}
		if errors.Is(err, ErrCorruptLog) {
			if frameEnd(r, off) >= size {
				return off, lastLSN, nil
			}
			return 0, common.NilLSN, fmt.Errorf("%w, intact data follows it", err)
		}
		if err != nil {
			return 0, common.NilLSN, err
		}
		lastLSN = rec.LSN
		off += n
	}
}

// frameEnd is the offset where the frame at off claims to end. A header
// cut short ends at the file's end.
func frameEnd(r io.ReaderAt, off int64) int64 {
	var hdr [frameHeaderSize]byte
	if n, _ := r.ReadAt(hdr[:], off); n < frameHeaderSize {
		return math.MaxInt64
	}
	return off + frameHeaderSize + int64(binary.BigEndian.Uint32(hdr[0:4]))
}

func (l *TxnLogger) SetLogger(logger src.Logger) {
	l.logger = logger
}

func (l *TxnLogger) Path() string {
	return l.path
}

// LogWrite appends the before and after images of a page.
func (l *TxnLogger) LogWrite(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	before []byte,
	after []byte,
) (common.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lsn := l.nextLSN
	frame, err := l.encode(lsn, txnID, pIdent, before, after)
	if err != nil {
		return common.NilLSN, err
	}

	if _, err := l.file.Write(frame); err != nil {
		l.logger.Errorw("failed to append log record", "txn_id", txnID, "error", err)
		return common.NilLSN, fmt.Errorf("failed to append to %s: %w", l.path, err)
	}
	l.nextLSN++
	return lsn, nil
}

func (l *TxnLogger) encode(
	lsn common.LSN,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	before []byte,
	after []byte,
) ([]byte, error) {
	beforeCodec, beforeEnc, err := encodeImage(l.compression, before)
	if err != nil {
		return nil, err
	}
	afterCodec, afterEnc, err := encodeImage(l.compression, after)
	if err != nil {
		return nil, err
	}

	bodyLen := bodyHeaderSize + 2*imageHeaderSize + len(beforeEnc) + len(afterEnc)
	frame := make([]byte, frameHeaderSize, frameHeaderSize+bodyLen)
	binary.BigEndian.PutUint32(frame[0:4], uint32(bodyLen)) //nolint:gosec

	frame = binary.BigEndian.AppendUint64(frame, uint64(lsn))
	frame = binary.BigEndian.AppendUint64(frame, uint64(txnID))
	frame = binary.BigEndian.AppendUint64(frame, uint64(pIdent.FileID))
	frame = binary.BigEndian.AppendUint64(frame, uint64(pIdent.PageID))
	frame = appendImage(frame, beforeCodec, len(before), beforeEnc)
	frame = appendImage(frame, afterCodec, len(after), afterEnc)

	binary.BigEndian.PutUint64(frame[4:12], xxhash.Sum64(frame[frameHeaderSize:]))
	return frame, nil
}

func appendImage(dst []byte, codec uint8, rawLen int, enc []byte) []byte {
	dst = append(dst, codec)
	dst = binary.BigEndian.AppendUint32(dst, uint32(rawLen))   //nolint:gosec
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(enc))) //nolint:gosec
	return append(dst, enc...)
}

// Force makes every appended record durable.
func (l *TxnLogger) Force() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", l.path, err)
	}
	if l.nextLSN > 1 {
		l.flushedLSN = l.nextLSN - 1
	}
	return nil
}

// FlushedLSN is the last LSN known to be on stable storage.
func (l *TxnLogger) FlushedLSN() common.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.flushedLSN
}

func (l *TxnLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		return errors.Join(err, l.file.Close())
	}
	return l.file.Close()
}

// Records iterates over the log from the beginning. Iteration ends at the
// first torn or corrupt record, which is reported as an error.
func (l *TxnLogger) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		file, err := l.fs.Open(l.path)
		if err != nil {
			yield(Record{}, fmt.Errorf("failed to open log %s: %w", l.path, err))
			return
		}
		defer file.Close()

		var off int64
		for {
			rec, n, err := readRecord(file, off)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(rec, err) || err != nil {
				return
			}
			off += n
		}
	}
}

// readRecord decodes the record at off. It returns io.EOF at the clean
// end of the log and ErrCorruptLog for torn or damaged frames.
func readRecord(r io.ReaderAt, off int64) (Record, int64, error) {
	var hdr [frameHeaderSize]byte
	n, err := r.ReadAt(hdr[:], off)
	if n == 0 && errors.Is(err, io.EOF) {
		return Record{}, 0, io.EOF
	}
	if n < frameHeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			return Record{}, 0, fmt.Errorf("%w: torn frame header at %d", ErrCorruptLog, off)
		}
		return Record{}, 0, err
	}

	bodyLen := int(binary.BigEndian.Uint32(hdr[0:4]))
	checksum := binary.BigEndian.Uint64(hdr[4:12])
	if bodyLen < bodyHeaderSize+2*imageHeaderSize {
		return Record{}, 0, fmt.Errorf("%w: body of %d bytes at %d", ErrCorruptLog, bodyLen, off)
	}

	body := make([]byte, bodyLen)
	n, err = r.ReadAt(body, off+frameHeaderSize)
	if n < bodyLen {
		if err == nil || errors.Is(err, io.EOF) {
			return Record{}, 0, fmt.Errorf("%w: torn body at %d", ErrCorruptLog, off)
		}
		return Record{}, 0, err
	}
	if xxhash.Sum64(body) != checksum {
		return Record{}, 0, fmt.Errorf("%w: checksum mismatch at %d", ErrCorruptLog, off)
	}

	rec := Record{
		LSN:   common.LSN(binary.BigEndian.Uint64(body[0:8])),
		TxnID: common.TxnID(binary.BigEndian.Uint64(body[8:16])),
		PageID: common.PageIdentity{
			FileID: common.FileID(binary.BigEndian.Uint64(body[16:24])),
			PageID: common.PageID(binary.BigEndian.Uint64(body[24:32])),
		},
	}

	rest := body[bodyHeaderSize:]
	rec.Before, rest, err = readImage(rest)
	if err != nil {
		return Record{}, 0, err
	}
	rec.After, rest, err = readImage(rest)
	if err != nil {
		return Record{}, 0, err
	}
	if len(rest) != 0 {
		return Record{}, 0, fmt.Errorf("%w: %d trailing bytes at %d", ErrCorruptLog, len(rest), off)
	}
	return rec, int64(frameHeaderSize + bodyLen), nil
}

func readImage(src []byte) ([]byte, []byte, error) {
	if len(src) < imageHeaderSize {
		return nil, nil, fmt.Errorf("%w: short image header", ErrCorruptLog)
	}

	codec := src[0]
	rawLen := int(binary.BigEndian.Uint32(src[1:5]))
	encLen := int(binary.BigEndian.Uint32(src[5:9]))
	src = src[imageHeaderSize:]
	if encLen > len(src) {
		return nil, nil, fmt.Errorf("%w: image of %d bytes, %d left", ErrCorruptLog, encLen, len(src))
	}

	img, err := decodeImage(codec, rawLen, src[:encLen])
	if err != nil {
		return nil, nil, err
	}
	return img, src[encLen:], nil
}
