// Package statsrpc exposes a stats accumulator to remote pollers.
//
// The wire format is Apache Thrift: a framed transport (4-byte big-endian
// length prefix per message) carrying the binary protocol. Every call is a
// CALL message whose sequence id identifies the request; the matching REPLY
// or EXCEPTION carries the same id. Several calls may be outstanding on one
// connection and replies can arrive in any order.
//
// The argument and result structs are encoded by hand with TProtocol
// primitives; there is no IDL. Field ids are listed on each type.
package statsrpc

import (
	"context"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"
)

// Method names on the wire.
const (
	MethodRequestStats               = "fetchRequestStats"
	MethodRequestLengthStats         = "fetchRequestLengthStats"
	MethodEndpointRequestLengthStats = "fetchEndpointRequestLengthStats"
	MethodThreadPoolStats            = "fetchThreadPoolStats"
)

// MalformedError reports a message whose fields do not have the expected
// shape. The offending message has been fully consumed, so the connection
// remains usable.
type MalformedError struct {
	Msg string
}

func (e *MalformedError) Error() string {
	return "malformed message: " + e.Msg
}

func malformedf(format string, args ...interface{}) *MalformedError {
	return &MalformedError{Msg: fmt.Sprintf(format, args...)}
}

// RequestStats is the result of fetchRequestStats.
//
//	1: i64 requestCount
//	2: double errorPercentage
type RequestStats struct {
	RequestCount    int64
	ErrorPercentage float64
}

// LengthStatsRequest holds the arguments of fetchRequestLengthStats.
//
//	1: list<i32> percentiles (each in [0, 100])
//	2: list<double> thresholds
type LengthStatsRequest struct {
	Percentiles []int32
	Thresholds  []float64
}

// LengthStats is the result of fetchRequestLengthStats. Both slices are nil
// when the server had no durations at read time.
//
//	1: optional list<double> lengths
//	2: optional list<double> ranks
type LengthStats struct {
	// Lengths holds the duration at each requested percentile.
	Lengths []float64
	// Ranks holds the percentile rank of each requested threshold.
	Ranks []float64
}

// NoData reports whether the server had nothing to summarize.
func (s LengthStats) NoData() bool {
	return s.Lengths == nil && s.Ranks == nil
}

// EndpointLengths is one entry of the fetchEndpointRequestLengthStats
// result.
//
//	1: string endpoint
//	2: list<double> lengths
type EndpointLengths struct {
	Endpoint string
	Lengths  []float64
}

// ThreadPoolStats is the result of fetchThreadPoolStats.
//
//	1: i32 threadsWaiting
//	2: i32 threadsWorking
//	3: i32 workerQueueSize
type ThreadPoolStats struct {
	Waiting int32
	Working int32
	Queued  int32
}

// fieldTypes maps field ids to the wire type they must carry.
type fieldTypes map[int16]thrift.TType

// readStruct walks a struct, calling read for every known field of the
// expected type. Unknown fields are skipped. A known field with the wrong
// type is skipped and reported as a *MalformedError once the whole struct
// has been consumed. Any other error is a transport or protocol failure.
func readStruct(ctx context.Context, iprot thrift.TProtocol, types fieldTypes, read func(id int16) error) error {
	if _, err := iprot.ReadStructBegin(ctx); err != nil {
		return err
	}
	var malformed error
	for {
		_, typ, id, err := iprot.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if typ == thrift.STOP {
			break
		}

		want, known := types[id]
		switch {
		case !known:
			if err := iprot.Skip(ctx, typ); err != nil {
				return err
			}
		case typ != want:
			if malformed == nil {
				malformed = malformedf("field %d has type %s, want %s", id, typ, want)
			}
			if err := iprot.Skip(ctx, typ); err != nil {
				return err
			}
		default:
			if err := read(id); err != nil {
				if _, ok := err.(*MalformedError); !ok {
					return err
				}
				if malformed == nil {
					malformed = err
				}
			}
		}

		if err := iprot.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	if err := iprot.ReadStructEnd(ctx); err != nil {
		return err
	}
	return malformed
}

// readList reads a list header and calls elem once per element. When the
// element type does not match, the elements are skipped and a
// *MalformedError is returned.
func readList(ctx context.Context, iprot thrift.TProtocol, want thrift.TType, elem func() error) (int, error) {
	typ, size, err := iprot.ReadListBegin(ctx)
	if err != nil {
		return 0, err
	}
	if typ != want && size > 0 {
		for i := 0; i < size; i++ {
			if err := iprot.Skip(ctx, typ); err != nil {
				return 0, err
			}
		}
		if err := iprot.ReadListEnd(ctx); err != nil {
			return 0, err
		}
		return 0, malformedf("list of %s, want %s", typ, want)
	}
	for i := 0; i < size; i++ {
		if err := elem(); err != nil {
			return 0, err
		}
	}
	return size, iprot.ReadListEnd(ctx)
}

func readDoubleList(ctx context.Context, iprot thrift.TProtocol) ([]float64, error) {
	var out []float64
	_, err := readList(ctx, iprot, thrift.DOUBLE, func() error {
		v, err := iprot.ReadDouble(ctx)
		out = append(out, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []float64{}
	}
	return out, nil
}

func readI32List(ctx context.Context, iprot thrift.TProtocol) ([]int32, error) {
	var out []int32
	_, err := readList(ctx, iprot, thrift.I32, func() error {
		v, err := iprot.ReadI32(ctx)
		out = append(out, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []int32{}
	}
	return out, nil
}

// structWriter emits the fields of one struct between the begin and end
// markers written by writeStruct.
type structWriter func(ctx context.Context, oprot thrift.TProtocol) error

func writeStruct(ctx context.Context, oprot thrift.TProtocol, name string, fields structWriter) error {
	if err := oprot.WriteStructBegin(ctx, name); err != nil {
		return err
	}
	if fields != nil {
		if err := fields(ctx, oprot); err != nil {
			return err
		}
	}
	if err := oprot.WriteFieldStop(ctx); err != nil {
		return err
	}
	return oprot.WriteStructEnd(ctx)
}

func writeField(ctx context.Context, oprot thrift.TProtocol, name string, typ thrift.TType, id int16, value func() error) error {
	if err := oprot.WriteFieldBegin(ctx, name, typ, id); err != nil {
		return err
	}
	if err := value(); err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return oprot.WriteFieldEnd(ctx)
}

func writeDoubleList(ctx context.Context, oprot thrift.TProtocol, values []float64) error {
	if err := oprot.WriteListBegin(ctx, thrift.DOUBLE, len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := oprot.WriteDouble(ctx, v); err != nil {
			return err
		}
	}
	return oprot.WriteListEnd(ctx)
}

func writeI32List(ctx context.Context, oprot thrift.TProtocol, values []int32) error {
	if err := oprot.WriteListBegin(ctx, thrift.I32, len(values)); err != nil {
		return err
	}
	for _, v := range values {
		if err := oprot.WriteI32(ctx, v); err != nil {
			return err
		}
	}
	return oprot.WriteListEnd(ctx)
}

// readEmpty consumes an argument or result struct that carries no fields.
func readEmpty(ctx context.Context, iprot thrift.TProtocol) error {
	return readStruct(ctx, iprot, nil, nil)
}

func (s RequestStats) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "RequestStats", func(ctx context.Context, oprot thrift.TProtocol) error {
		if err := writeField(ctx, oprot, "requestCount", thrift.I64, 1, func() error {
			return oprot.WriteI64(ctx, s.RequestCount)
		}); err != nil {
			return err
		}
		return writeField(ctx, oprot, "errorPercentage", thrift.DOUBLE, 2, func() error {
			return oprot.WriteDouble(ctx, s.ErrorPercentage)
		})
	})
}

func (s *RequestStats) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.I64, 2: thrift.DOUBLE}
	return readStruct(ctx, iprot, types, func(id int16) (err error) {
		switch id {
		case 1:
			s.RequestCount, err = iprot.ReadI64(ctx)
		case 2:
			s.ErrorPercentage, err = iprot.ReadDouble(ctx)
		}
		return err
	})
}

func (r LengthStatsRequest) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "LengthStatsRequest", func(ctx context.Context, oprot thrift.TProtocol) error {
		if err := writeField(ctx, oprot, "percentiles", thrift.LIST, 1, func() error {
			return writeI32List(ctx, oprot, r.Percentiles)
		}); err != nil {
			return err
		}
		return writeField(ctx, oprot, "thresholds", thrift.LIST, 2, func() error {
			return writeDoubleList(ctx, oprot, r.Thresholds)
		})
	})
}

func (r *LengthStatsRequest) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.LIST, 2: thrift.LIST}
	err := readStruct(ctx, iprot, types, func(id int16) (err error) {
		switch id {
		case 1:
			r.Percentiles, err = readI32List(ctx, iprot)
		case 2:
			r.Thresholds, err = readDoubleList(ctx, iprot)
		}
		return err
	})
	if err != nil {
		return err
	}
	return r.validate()
}

func (r *LengthStatsRequest) validate() error {
	if r.Percentiles == nil {
		return malformedf("missing percentiles")
	}
	if r.Thresholds == nil {
		return malformedf("missing thresholds")
	}
	for _, p := range r.Percentiles {
		if p < 0 || p > 100 {
			return malformedf("percentile %d outside [0, 100]", p)
		}
	}
	return nil
}

func (s LengthStats) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "LengthStats", func(ctx context.Context, oprot thrift.TProtocol) error {
		if s.Lengths != nil {
			if err := writeField(ctx, oprot, "lengths", thrift.LIST, 1, func() error {
				return writeDoubleList(ctx, oprot, s.Lengths)
			}); err != nil {
				return err
			}
		}
		if s.Ranks != nil {
			return writeField(ctx, oprot, "ranks", thrift.LIST, 2, func() error {
				return writeDoubleList(ctx, oprot, s.Ranks)
			})
		}
		return nil
	})
}

func (s *LengthStats) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.LIST, 2: thrift.LIST}
	return readStruct(ctx, iprot, types, func(id int16) (err error) {
		switch id {
		case 1:
			s.Lengths, err = readDoubleList(ctx, iprot)
		case 2:
			s.Ranks, err = readDoubleList(ctx, iprot)
		}
		return err
	})
}

func (e EndpointLengths) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "EndpointLengths", func(ctx context.Context, oprot thrift.TProtocol) error {
		if err := writeField(ctx, oprot, "endpoint", thrift.STRING, 1, func() error {
			return oprot.WriteString(ctx, e.Endpoint)
		}); err != nil {
			return err
		}
		return writeField(ctx, oprot, "lengths", thrift.LIST, 2, func() error {
			return writeDoubleList(ctx, oprot, e.Lengths)
		})
	})
}

func (e *EndpointLengths) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.STRING, 2: thrift.LIST}
	var sawEndpoint bool
	err := readStruct(ctx, iprot, types, func(id int16) (err error) {
		switch id {
		case 1:
			e.Endpoint, err = iprot.ReadString(ctx)
			sawEndpoint = true
		case 2:
			e.Lengths, err = readDoubleList(ctx, iprot)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !sawEndpoint {
		return malformedf("endpoint entry without a name")
	}
	return nil
}

// endpointStats wraps the list result of fetchEndpointRequestLengthStats.
//
//	1: list<EndpointLengths> endpoints
type endpointStats []EndpointLengths

func (s endpointStats) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "EndpointStats", func(ctx context.Context, oprot thrift.TProtocol) error {
		return writeField(ctx, oprot, "endpoints", thrift.LIST, 1, func() error {
			if err := oprot.WriteListBegin(ctx, thrift.STRUCT, len(s)); err != nil {
				return err
			}
			for _, e := range s {
				if err := e.write(ctx, oprot); err != nil {
					return err
				}
			}
			return oprot.WriteListEnd(ctx)
		})
	})
}

func (s *endpointStats) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.LIST}
	return readStruct(ctx, iprot, types, func(id int16) error {
		var malformed error
		_, err := readList(ctx, iprot, thrift.STRUCT, func() error {
			var e EndpointLengths
			if err := e.read(ctx, iprot); err != nil {
				if _, ok := err.(*MalformedError); !ok {
					return err
				}
				malformed = err
				return nil
			}
			*s = append(*s, e)
			return nil
		})
		if err != nil {
			return err
		}
		return malformed
	})
}

func (s ThreadPoolStats) write(ctx context.Context, oprot thrift.TProtocol) error {
	return writeStruct(ctx, oprot, "ThreadPoolStats", func(ctx context.Context, oprot thrift.TProtocol) error {
		fields := []struct {
			name  string
			id    int16
			value int32
		}{
			{"threadsWaiting", 1, s.Waiting},
			{"threadsWorking", 2, s.Working},
			{"workerQueueSize", 3, s.Queued},
		}
		for _, f := range fields {
			if err := writeField(ctx, oprot, f.name, thrift.I32, f.id, func() error {
				return oprot.WriteI32(ctx, f.value)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ThreadPoolStats) read(ctx context.Context, iprot thrift.TProtocol) error {
	types := fieldTypes{1: thrift.I32, 2: thrift.I32, 3: thrift.I32}
	return readStruct(ctx, iprot, types, func(id int16) (err error) {
		switch id {
		case 1:
			s.Waiting, err = iprot.ReadI32(ctx)
		case 2:
			s.Working, err = iprot.ReadI32(ctx)
		case 3:
			s.Queued, err = iprot.ReadI32(ctx)
		}
		return err
	})
}

// newConfig returns the thrift configuration shared by clients and servers.
func newConfig(maxFrameSize int32) *thrift.TConfiguration {
	cfg := &thrift.TConfiguration{}
	if maxFrameSize > 0 {
		cfg.MaxFrameSize = maxFrameSize
		cfg.MaxMessageSize = maxFrameSize
	}
	return cfg
}

// newProtocols builds independent input and output protocol stacks over one
// transport. The thrift framed transport and binary protocol keep scratch
// buffers that are not safe for concurrent reads and writes.
func newProtocols(socket thrift.TTransport, cfg *thrift.TConfiguration) (iprot, oprot thrift.TProtocol) {
	in := thrift.NewTFramedTransportConf(socket, cfg)
	out := thrift.NewTFramedTransportConf(socket, cfg)
	return thrift.NewTBinaryProtocolConf(in, cfg), thrift.NewTBinaryProtocolConf(out, cfg)
}
