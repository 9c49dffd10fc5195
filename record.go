package reqstats

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/danweinerdev/go-reqstats/statsrpc"
)

// Measurement is the line protocol measurement name for endpoint records.
const Measurement = "endpoint_stats"

// Record is one observed request duration from one endpoint of one server.
// Every record produced by a tick carries the same RecordedAt.
type Record struct {
	RecordedAt time.Time
	Server     string
	Endpoint   string
	// Duration is in seconds.
	Duration float64
}

// Flatten expands an endpoint snapshot from server into one Record per
// duration, all stamped with at.
func Flatten(server string, at time.Time, snapshot []statsrpc.EndpointLengths) []Record {
	n := 0
	for _, e := range snapshot {
		n += len(e.Lengths)
	}
	records := make([]Record, 0, n)
	for _, e := range snapshot {
		for _, d := range e.Lengths {
			records = append(records, Record{
				RecordedAt: at,
				Server:     server,
				Endpoint:   e.Endpoint,
				Duration:   d,
			})
		}
	}
	return records
}

// Validate checks if the record can be stored.
func (r Record) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if math.IsNaN(r.Duration) || math.IsInf(r.Duration, 0) {
		return fmt.Errorf("duration must be finite, got %v", r.Duration)
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", r.Duration)
	}
	if r.RecordedAt.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// ToLineProtocol renders the record in InfluxDB line protocol. Tags are
// emitted in key order.
func (r Record) ToLineProtocol() string {
	var sb strings.Builder

	sb.WriteString(Measurement)
	sb.WriteString(",endpoint=")
	sb.WriteString(escapeTag(r.Endpoint))
	if r.Server != "" {
		sb.WriteString(",server=")
		sb.WriteString(escapeTag(r.Server))
	}
	sb.WriteString(" duration=")
	sb.WriteString(strconv.FormatFloat(r.Duration, 'g', -1, 64))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(r.RecordedAt.UnixNano(), 10))

	return sb.String()
}

var tagEscaper = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)

func escapeTag(s string) string {
	return tagEscaper.Replace(s)
}
