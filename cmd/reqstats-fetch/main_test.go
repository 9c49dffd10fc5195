package main

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danweinerdev/go-reqstats/stats"
	"github.com/danweinerdev/go-reqstats/statsrpc"
)

func TestParseList(t *testing.T) {
	got, err := parseList(" 50, 90,,99 ", func(s string) (string, error) { return s, nil })
	if err != nil {
		t.Fatalf("parseList() error: %v", err)
	}
	if strings.Join(got, "|") != "50|90|99" {
		t.Errorf("parseList() = %v, want [50 90 99]", got)
	}
}

func TestRunAllCommands(t *testing.T) {
	acc := stats.New()
	acc.RecordCompletion("/a", 0.5, false)
	acc.RecordCompletion("/a", 1.5, true)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	srv := statsrpc.NewServer(acc)
	go srv.Serve(l)
	defer srv.Close()

	var out bytes.Buffer
	if err := run(&out, l.Addr().String(), "all", "50,100", "1", 5*time.Second); err != nil {
		t.Fatalf("run() error: %v", err)
	}

	for _, want := range []string{
		"requests: 2 errors: 50.00%",
		"p100: 1.5s",
		"rank(1s): 50%",
		"/a: 2 requests [0.5 1.5]",
		"workers waiting:",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	acc := stats.New()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	srv := statsrpc.NewServer(acc)
	go srv.Serve(l)
	defer srv.Close()

	var out bytes.Buffer
	if err := run(&out, l.Addr().String(), "bogus", "50", "1", 5*time.Second); err == nil {
		t.Error("run() should reject an unknown command")
	}
}

func TestPrintLengths(t *testing.T) {
	percentiles := []int32{50, 90}
	thresholds := []float64{1}

	tests := []struct {
		name    string
		reply   statsrpc.LengthStats
		want    string
		wantErr bool
	}{
		{
			name:  "matching lists",
			reply: statsrpc.LengthStats{Lengths: []float64{0.5, 1.5}, Ranks: []float64{50}},
			want:  "p50: 0.5s\np90: 1.5s\nrank(1s): 50%\n",
		},
		{
			name:  "no data",
			reply: statsrpc.LengthStats{},
			want:  "lengths: no data\n",
		},
		{
			name:    "lengths only",
			reply:   statsrpc.LengthStats{Lengths: []float64{0.5, 1.5}},
			wantErr: true,
		},
		{
			name:    "short lengths",
			reply:   statsrpc.LengthStats{Lengths: []float64{0.5}, Ranks: []float64{50}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := printLengths(&out, tt.reply, percentiles, thresholds)
			if (err != nil) != tt.wantErr {
				t.Fatalf("printLengths() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out.String() != tt.want {
				t.Errorf("printLengths() wrote %q, want %q", out.String(), tt.want)
			}
		})
	}
}
