package export

import (
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

const flushThreshold = 32 << 10

type readingMessage struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Entities  []model.EntityRecord `json:"entities"`
}

type gapMessage struct {
	Type         string    `json:"type"`
	MissingStart time.Time `json:"missing_start"`
	MissingEnd   time.Time `json:"missing_end"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type endMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Message returns the wire form of a result. Readings always carry an
// entities array, empty when every entity was filtered out.
func Message(res model.Result) any {
	switch r := res.(type) {
	case model.Reading:
		return readingMessage{Type: string(model.KindReading), Timestamp: r.Timestamp.UTC(), Entities: r.Entities}
	case model.Gap:
		return gapMessage{Type: string(model.KindGap), MissingStart: r.MissingStart.UTC(), MissingEnd: r.MissingEnd.UTC()}
	default:
		return ErrorMessage(fmt.Errorf("unknown result %T", res))
	}
}

// ErrorMessage is the terminal element of a stream that failed.
func ErrorMessage(err error) any {
	return errorMessage{Type: "error", Error: err.Error()}
}

// EndMessage is the terminal element of a stream that completed.
func EndMessage(count int) any {
	return endMessage{Type: "end", Count: count}
}

// MarshalMessage encodes a single wire message.
func MarshalMessage(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// WriteJSON streams results as a JSON array. If the sequence fails, an
// error element closes the array and the error is returned. The returned
// count excludes that element.
func WriteJSON(w io.Writer, results iter.Seq2[model.Result, error]) (int, error) {
	stream := jsonAPI.BorrowStream(w)
	defer jsonAPI.ReturnStream(stream)

	stream.WriteArrayStart()
	n := 0
	var failed error
	for res, err := range results {
		if n > 0 {
			stream.WriteMore()
		}
		if err != nil {
			failed = err
			stream.WriteVal(ErrorMessage(err))
			break
		}
		stream.WriteVal(Message(res))
		n++

		if stream.Buffered() >= flushThreshold {
			if err := stream.Flush(); err != nil {
				return n, err
			}
		}
	}
	stream.WriteArrayEnd()

	if err := stream.Flush(); err != nil && failed == nil {
		return n, err
	}
	return n, failed
}
