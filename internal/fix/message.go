package fix

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SOH separates fields on the wire
const SOH = '\x01'

// TimestampFormat is the UTC timestamp layout of SendingTime and TransactTime
const TimestampFormat = "20060102-15:04:05.000"

// ErrMalformed is returned for messages that fail framing or checksum validation
var ErrMalformed = errors.New("malformed message")

// Field is one tag=value pair
type Field struct {
	Tag   int
	Value string
}

// Message is an ordered list of fields. Header fields 8, 9 and 10 are
// computed on Encode and stripped on Parse.
type Message struct {
	fields []Field
}

// NewMessage creates a message of msgType
func NewMessage(msgType string) *Message {
	return &Message{fields: []Field{{Tag: TagMsgType, Value: msgType}}}
}

// MsgType returns tag 35
func (m *Message) MsgType() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// Set replaces the first occurrence of tag or appends it
func (m *Message) Set(tag int, value string) *Message {
	for i := range m.fields {
		if m.fields[i].Tag == tag {
			m.fields[i].Value = value
			return m
		}
	}
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
	return m
}

// Add appends tag even if already present, for repeating groups
func (m *Message) Add(tag int, value string) *Message {
	m.fields = append(m.fields, Field{Tag: tag, Value: value})
	return m
}

// SetDecimal sets tag to d's canonical string
func (m *Message) SetDecimal(tag int, d decimal.Decimal) *Message {
	return m.Set(tag, d.String())
}

// SetTime sets tag to t in UTC
func (m *Message) SetTime(tag int, t time.Time) *Message {
	return m.Set(tag, t.UTC().Format(TimestampFormat))
}

// Get returns the first value of tag
func (m *Message) Get(tag int) (string, bool) {
	for _, f := range m.fields {
		if f.Tag == tag {
			return f.Value, true
		}
	}
	return "", false
}

// GetString returns the first value of tag, or ""
func (m *Message) GetString(tag int) string {
	v, _ := m.Get(tag)
	return v
}

// GetAll returns every value of tag in order
func (m *Message) GetAll(tag int) []string {
	var out []string
	for _, f := range m.fields {
		if f.Tag == tag {
			out = append(out, f.Value)
		}
	}
	return out
}

// GetDecimal parses tag as a decimal. Absent tags yield zero and false.
func (m *Message) GetDecimal(tag int) (decimal.Decimal, bool, error) {
	v, ok := m.Get(tag)
	if !ok || v == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, true, fmt.Errorf("tag %d: %w", tag, err)
	}
	return d, true, nil
}

// GetInt parses tag as an integer
func (m *Message) GetInt(tag int) (int64, bool, error) {
	v, ok := m.Get(tag)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("tag %d: %w", tag, err)
	}
	return n, true, nil
}

// GetTime parses tag as a UTC timestamp
func (m *Message) GetTime(tag int) (time.Time, bool, error) {
	v, ok := m.Get(tag)
	if !ok || v == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{TimestampFormat, "20060102-15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, true, fmt.Errorf("tag %d: invalid timestamp %q", tag, v)
}

// Fields returns a copy of the fields
func (m *Message) Fields() []Field {
	return append([]Field(nil), m.fields...)
}

// Encode frames the message with BeginString, BodyLength and CheckSum
func (m *Message) Encode(beginString string) []byte {
	var body bytes.Buffer
	writeField(&body, TagMsgType, m.MsgType())
	for _, f := range m.fields {
		switch f.Tag {
		case TagBeginString, TagBodyLength, TagCheckSum, TagMsgType:
			continue
		}
		writeField(&body, f.Tag, f.Value)
	}

	var out bytes.Buffer
	writeField(&out, TagBeginString, beginString)
	writeField(&out, TagBodyLength, strconv.Itoa(body.Len()))
	out.Write(body.Bytes())
	writeField(&out, TagCheckSum, fmt.Sprintf("%03d", checksum(out.Bytes())))
	return out.Bytes()
}

// String renders the message with | separators for logs
func (m *Message) String() string {
	var b bytes.Buffer
	for i, f := range m.fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(f.Tag))
		b.WriteByte('=')
		b.WriteString(f.Value)
	}
	return b.String()
}

// Parse validates framing and checksum and returns the message
func Parse(data []byte) (*Message, error) {
	if len(data) == 0 || data[len(data)-1] != SOH {
		return nil, fmt.Errorf("%w: missing trailing delimiter", ErrMalformed)
	}

	raw := bytes.Split(data[:len(data)-1], []byte{SOH})
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: too few fields", ErrMalformed)
	}

	fields := make([]Field, 0, len(raw))
	for _, r := range raw {
		eq := bytes.IndexByte(r, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: field %q", ErrMalformed, r)
		}
		tag, err := strconv.Atoi(string(r[:eq]))
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q", ErrMalformed, r[:eq])
		}
		fields = append(fields, Field{Tag: tag, Value: string(r[eq+1:])})
	}

	if fields[0].Tag != TagBeginString || fields[1].Tag != TagBodyLength || fields[2].Tag != TagMsgType {
		return nil, fmt.Errorf("%w: header must start with 8, 9, 35", ErrMalformed)
	}
	last := fields[len(fields)-1]
	if last.Tag != TagCheckSum {
		return nil, fmt.Errorf("%w: trailer must end with 10", ErrMalformed)
	}

	trailerStart := bytes.LastIndex(data, []byte{SOH, '1', '0', '='}) + 1
	bodyStart := len(fmt.Sprintf("8=%s\x019=%s\x01", fields[0].Value, fields[1].Value))
	bodyLen, err := strconv.Atoi(fields[1].Value)
	if err != nil || bodyLen != trailerStart-bodyStart {
		return nil, fmt.Errorf("%w: body length %s, actual %d", ErrMalformed, fields[1].Value, trailerStart-bodyStart)
	}
	if want := fmt.Sprintf("%03d", checksum(data[:trailerStart])); want != last.Value {
		return nil, fmt.Errorf("%w: checksum %s, computed %s", ErrMalformed, last.Value, want)
	}

	return &Message{fields: fields[2 : len(fields)-1]}, nil
}

func writeField(b *bytes.Buffer, tag int, value string) {
	b.WriteString(strconv.Itoa(tag))
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte(SOH)
}

func checksum(b []byte) int {
	sum := 0
	for _, c := range b {
		sum += int(c)
	}
	return sum % 256
}
