package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/sidetrace/internal/pipelineerr"
)

// DefaultWriteBufferSize is the writer's default buffer size (1 MiB, per
// the write-buffering contract in the trace format specification).
const DefaultWriteBufferSize = 1 << 20

// boolByte/byteBool round-trip the wire's u8 boolean encoding.
func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

func byteBool(b byte) bool { return b != 0 }

// Writer appends TraceEntry values to an underlying byte sink using the
// canonical little-endian, no-padding wire layout. Writer is not safe for
// concurrent use; callers serialize access (the pipeline runtime does this
// via the analyzer/preprocessor's single-writer contract).
type Writer struct {
	buf    *bufio.Writer
	closer io.Closer
	err    error
}

// NewWriter wraps w with the default write buffer size.
func NewWriter(w io.Writer) *Writer {
	return NewWriterSize(w, DefaultWriteBufferSize)
}

// NewWriterSize wraps w with an explicit buffer size.
func NewWriterSize(w io.Writer, size int) *Writer {
	closer, _ := w.(io.Closer)

	return &Writer{buf: bufio.NewWriterSize(w, size), closer: closer}
}

// NewCompressedWriter wraps w in an lz4 frame writer before buffering,
// compressing the entry stream that follows the prefix's image table.
// The matching reader is NewCompressedReader; a stream produced by one
// cannot be decoded by the other constructor.
func NewCompressedWriter(w io.Writer) *Writer {
	lz := lz4.NewWriter(w)

	return &Writer{buf: bufio.NewWriterSize(lz, DefaultWriteBufferSize), closer: lz}
}

// WriteEntry encodes and appends a single entry.
func (wr *Writer) WriteEntry(e Entry) error {
	if wr.err != nil {
		return wr.err
	}

	if err := wr.writeEntry(e); err != nil {
		wr.err = &pipelineerr.IoError{Op: "write trace entry", Cause: err}

		return wr.err
	}

	return nil
}

func (wr *Writer) writeEntry(e Entry) error {
	if err := wr.buf.WriteByte(byte(e.Tag())); err != nil {
		return fmt.Errorf("write tag: %w", err)
	}

	switch v := e.(type) {
	case ImageMemoryAccess:
		return wr.writeFields(boolByte(v.IsWrite), v.InstrImg, v.InstrOff, v.MemImg, v.MemOff)
	case HeapMemoryAccess:
		return wr.writeFields(boolByte(v.IsWrite), v.InstrImg, v.InstrOff, v.AllocID, v.MemOff)
	case StackMemoryAccess:
		return wr.writeFields(boolByte(v.IsWrite), v.InstrImg, v.InstrOff, v.MemOff)
	case HeapAllocation:
		return wr.writeFields(v.ID, v.Size, v.Address)
	case HeapFree:
		return wr.writeFields(v.ID)
	case Branch:
		return wr.writeFields(v.SrcImg, v.SrcOff, v.DstImg, v.DstOff, boolByte(v.Taken), byte(v.Kind))
	case StackAllocation:
		return wr.writeFields(v.InstrImg, v.InstrOff, v.SP)
	default:
		return fmt.Errorf("unknown entry type %T", e)
	}
}

// writeFields writes each field in order using fixed-width little-endian
// encoding (byte fields are written as-is).
func (wr *Writer) writeFields(fields ...any) error {
	for _, f := range fields {
		switch v := f.(type) {
		case byte:
			if err := wr.buf.WriteByte(v); err != nil {
				return err
			}
		default:
			if err := binary.Write(wr.buf, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return nil
}

// WriteImageTable writes the prefix image-table header: image_count
// followed by each image's fixed fields and its ASCII name.
func (wr *Writer) WriteImageTable(images []Image) error {
	if wr.err != nil {
		return wr.err
	}

	if err := wr.writeImageTable(images); err != nil {
		wr.err = &pipelineerr.IoError{Op: "write image table", Cause: err}

		return wr.err
	}

	return nil
}

func (wr *Writer) writeImageTable(images []Image) error {
	if err := binary.Write(wr.buf, binary.LittleEndian, int32(len(images))); err != nil {
		return fmt.Errorf("write image_count: %w", err)
	}

	for _, img := range images {
		if err := binary.Write(wr.buf, binary.LittleEndian, img.ID); err != nil {
			return err
		}

		if err := binary.Write(wr.buf, binary.LittleEndian, img.Start); err != nil {
			return err
		}

		if err := binary.Write(wr.buf, binary.LittleEndian, img.End); err != nil {
			return err
		}

		nameBytes := []byte(img.Name)
		if err := binary.Write(wr.buf, binary.LittleEndian, int32(len(nameBytes))); err != nil {
			return err
		}

		if _, err := wr.buf.Write(nameBytes); err != nil {
			return err
		}

		if err := wr.buf.WriteByte(boolByte(img.Interesting)); err != nil {
			return err
		}
	}

	return nil
}

// Flush pushes buffered bytes to the underlying writer.
func (wr *Writer) Flush() error {
	if err := wr.buf.Flush(); err != nil {
		return &pipelineerr.IoError{Op: "flush trace writer", Cause: err}
	}

	return nil
}

// Close flushes and, if the underlying writer is an io.Closer, closes it.
func (wr *Writer) Close() error {
	if err := wr.Flush(); err != nil {
		return err
	}

	if wr.closer != nil {
		if err := wr.closer.Close(); err != nil {
			return &pipelineerr.IoError{Op: "close trace writer", Cause: err}
		}
	}

	return nil
}

// Reader produces a lazy, one-shot iterator of Entry values from an
// underlying byte source. A Reader does not outlive its backing buffer;
// random access is unsupported except by discarding the Reader and
// re-opening the source.
type Reader struct {
	r      *bufio.Reader
	offset int64
}

// NewReader wraps r for sequential trace-entry decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// NewCompressedReader wraps r in an lz4 frame reader before buffering,
// decoding a stream written by NewCompressedWriter.
func NewCompressedReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(lz4.NewReader(r))}
}

// ReadImageTable decodes the prefix image-table header. Must be called, if
// at all, before any ReadEntry call on the same Reader.
func (rd *Reader) ReadImageTable() ([]Image, error) {
	var count int32

	if err := binary.Read(rd.r, binary.LittleEndian, &count); err != nil {
		return nil, rd.formatErr(err)
	}

	rd.offset += 4

	if count < 0 {
		return nil, rd.formatErr(fmt.Errorf("negative image_count %d", count))
	}

	images := make([]Image, 0, count)

	for range count {
		img, n, err := rd.readImage()
		if err != nil {
			return nil, err
		}

		rd.offset += n

		images = append(images, img)
	}

	return images, nil
}

func (rd *Reader) readImage() (Image, int64, error) {
	var img Image

	var n int64

	if err := binary.Read(rd.r, binary.LittleEndian, &img.ID); err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n += 4

	if err := binary.Read(rd.r, binary.LittleEndian, &img.Start); err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n += 8

	if err := binary.Read(rd.r, binary.LittleEndian, &img.End); err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n += 8

	var nameLen int32

	if err := binary.Read(rd.r, binary.LittleEndian, &nameLen); err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n += 4

	if nameLen < 0 {
		return Image{}, n, rd.formatErr(fmt.Errorf("negative name_len %d", nameLen))
	}

	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(rd.r, nameBytes); err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n += int64(nameLen)
	img.Name = string(nameBytes)

	interesting, err := rd.r.ReadByte()
	if err != nil {
		return Image{}, n, rd.formatErr(err)
	}

	n++
	img.Interesting = byteBool(interesting)

	return img, n, nil
}

// ReadEntry decodes the next trace entry. Returns io.EOF when the stream is
// exhausted cleanly (between entries, not mid-payload).
func (rd *Reader) ReadEntry() (Entry, error) {
	tagByte, err := rd.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, rd.formatErr(err)
	}

	rd.offset++

	entry, n, err := rd.decodePayload(Tag(tagByte))
	if err != nil {
		return nil, err
	}

	rd.offset += n

	return entry, nil
}

//nolint:cyclop // exhaustive tag dispatch is inherently a flat switch
func (rd *Reader) decodePayload(tag Tag) (Entry, int64, error) {
	switch tag {
	case TagImageMemoryAccess:
		var isWrite byte

		var instrImg, memImg int32

		var instrOff, memOff uint32

		if err := rd.readFields(&isWrite, &instrImg, &instrOff, &memImg, &memOff); err != nil {
			return nil, 0, err
		}

		return ImageMemoryAccess{byteBool(isWrite), instrImg, instrOff, memImg, memOff}, 17, nil

	case TagHeapMemoryAccess:
		var isWrite byte

		var instrImg, allocID int32

		var instrOff, memOff uint32

		if err := rd.readFields(&isWrite, &instrImg, &instrOff, &allocID, &memOff); err != nil {
			return nil, 0, err
		}

		return HeapMemoryAccess{byteBool(isWrite), instrImg, instrOff, allocID, memOff}, 17, nil

	case TagStackMemoryAccess:
		var isWrite byte

		var instrImg int32

		var instrOff, memOff uint32

		if err := rd.readFields(&isWrite, &instrImg, &instrOff, &memOff); err != nil {
			return nil, 0, err
		}

		return StackMemoryAccess{byteBool(isWrite), instrImg, instrOff, memOff}, 13, nil

	case TagHeapAllocation:
		var id int32

		var size uint32

		var address uint64

		if err := rd.readFields(&id, &size, &address); err != nil {
			return nil, 0, err
		}

		return HeapAllocation{id, size, address}, 16, nil

	case TagHeapFree:
		var id int32
		if err := rd.readFields(&id); err != nil {
			return nil, 0, err
		}

		return HeapFree{id}, 4, nil

	case TagBranch:
		var srcImg, dstImg int32

		var srcOff, dstOff uint32

		var taken, kind byte

		if err := rd.readFields(&srcImg, &srcOff, &dstImg, &dstOff, &taken, &kind); err != nil {
			return nil, 0, err
		}

		return Branch{srcImg, srcOff, dstImg, dstOff, byteBool(taken), BranchKind(kind)}, 18, nil

	case TagStackAllocation:
		var instrImg int32

		var instrOff uint32

		var sp uint64

		if err := rd.readFields(&instrImg, &instrOff, &sp); err != nil {
			return nil, 0, err
		}

		return StackAllocation{instrImg, instrOff, sp}, 16, nil

	default:
		return nil, 0, rd.formatErr(fmt.Errorf("unknown tag %d", tag))
	}
}

// readFields decodes each pointer target in order; byte pointers are read
// with ReadByte, everything else via binary.Read.
func (rd *Reader) readFields(fields ...any) error {
	for _, f := range fields {
		if bp, ok := f.(*byte); ok {
			v, err := rd.r.ReadByte()
			if err != nil {
				return rd.formatErr(err)
			}

			*bp = v

			continue
		}

		if err := binary.Read(rd.r, binary.LittleEndian, f); err != nil {
			return rd.formatErr(err)
		}
	}

	return nil
}

func (rd *Reader) formatErr(cause error) error {
	if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrUnexpectedEOF) {
		cause = fmt.Errorf("truncated payload: %w", cause)
	}

	return &pipelineerr.TraceFormatError{Offset: rd.offset, Cause: cause}
}

// All drains the reader into a slice, for tests and small traces. Production
// call sites should prefer ReadEntry in a loop to stay lazy.
func (rd *Reader) All() ([]Entry, error) {
	var entries []Entry

	for {
		e, err := rd.ReadEntry()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}

			return entries, err
		}

		entries = append(entries, e)
	}
}
