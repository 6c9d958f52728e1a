package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Table is an AMQP field table: string keys mapped to typed field values.
type Table map[string]interface{}

// Decimal is the AMQP decimal field type: Value / 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// ReadShortString reads a length-prefixed string of at most 255 bytes.
func ReadShortString(r io.Reader) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a length-prefixed string of at most 255 bytes.
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("short string too long: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a 32-bit length-prefixed byte string.
func ReadLongString(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a 32-bit length-prefixed byte string.
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads a field table. The wire format is a 32-bit byte length
// followed by name/value pairs.
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("read table key: %w", err)
		}
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, fmt.Errorf("read table value for %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes a field table.
func WriteTable(w io.Writer, table Table) error {
	if len(table) == 0 {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}

	var buf bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}
		if err := writeFieldValue(&buf, value); err != nil {
			return fmt.Errorf("write table value for %q: %w", name, err)
		}
	}
	return WriteLongString(w, buf.Bytes())
}

func readFieldValue(r io.Reader) (interface{}, error) {
	var tag byte
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return nil, err
	}

	switch tag {
	case 't':
		var b uint8
		err := binary.Read(r, binary.BigEndian, &b)
		return b != 0, err
	case 'b':
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'B':
		var v uint8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 's':
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'u':
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'I':
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'i':
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'l':
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'f':
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'd':
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'D':
		var d Decimal
		if err := binary.Read(r, binary.BigEndian, &d.Scale); err != nil {
			return nil, err
		}
		err := binary.Read(r, binary.BigEndian, &d.Value)
		return d, err
	case 'S':
		s, err := ReadLongString(r)
		return string(s), err
	case 'T':
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		return time.Unix(ts, 0), nil
	case 'A':
		return readArray(r)
	case 'F':
		return ReadTable(r)
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", tag)
	}
}

func writeFieldValue(w io.Writer, value interface{}) error {
	writeTagged := func(tag byte, v interface{}) error {
		if _, err := w.Write([]byte{tag}); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v)
	}

	switch v := value.(type) {
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return writeTagged('t', b)
	case int8:
		return writeTagged('b', v)
	case uint8:
		return writeTagged('B', v)
	case int16:
		return writeTagged('s', v)
	case uint16:
		return writeTagged('u', v)
	case int32:
		return writeTagged('I', v)
	case uint32:
		return writeTagged('i', v)
	case int64:
		return writeTagged('l', v)
	case int:
		return writeTagged('I', int32(v))
	case float32:
		return writeTagged('f', v)
	case float64:
		return writeTagged('d', v)
	case Decimal:
		if _, err := w.Write([]byte{'D', v.Scale}); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Value)
	case string:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))
	case []byte:
		if _, err := w.Write([]byte{'S'}); err != nil {
			return err
		}
		return WriteLongString(w, v)
	case time.Time:
		return writeTagged('T', v.Unix())
	case Table:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, v)
	case map[string]interface{}:
		if _, err := w.Write([]byte{'F'}); err != nil {
			return err
		}
		return WriteTable(w, Table(v))
	case []interface{}:
		if _, err := w.Write([]byte{'A'}); err != nil {
			return err
		}
		return writeArray(w, v)
	case nil:
		_, err := w.Write([]byte{'V'})
		return err
	default:
		return fmt.Errorf("unsupported field value type %T", value)
	}
}

func readArray(r io.Reader) ([]interface{}, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []interface{}{}
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func writeArray(w io.Writer, values []interface{}) error {
	var buf bytes.Buffer
	for _, value := range values {
		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}
	return WriteLongString(w, buf.Bytes())
}
