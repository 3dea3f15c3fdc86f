package collector

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	logsv1 "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	otlplogs "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/arc-archive/arc-datastore/aggregator"
	"github.com/arc-archive/arc-datastore/config"
)

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}}}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}}}
}

func testRequest(ts time.Time) *logsv1.ExportLogsServiceRequest {
	return &logsv1.ExportLogsServiceRequest{
		ResourceLogs: []*otlplogs.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				stringAttr(AttrSubjectID, "resource-subject"),
			}},
			ScopeLogs: []*otlplogs.ScopeLogs{{
				LogRecords: []*otlplogs.LogRecord{
					{
						TimeUnixNano: uint64(ts.UnixNano()),
						Attributes: []*commonpb.KeyValue{
							stringAttr(AttrSubjectID, "subject-a"),
							intAttr(AttrTZOffset, 120),
						},
					},
					{
						ObservedTimeUnixNano: uint64(ts.Add(time.Minute).UnixNano()),
						Attributes: []*commonpb.KeyValue{
							stringAttr(AttrTZOffset, "-60"),
						},
					},
				},
			}},
		}, {
			ScopeLogs: []*otlplogs.ScopeLogs{{
				LogRecords: []*otlplogs.LogRecord{{TimeUnixNano: uint64(ts.UnixNano())}},
			}},
		}},
	}
}

func TestExtractHits(t *testing.T) {
	ts := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

	hits, rejected := ExtractHits(testRequest(ts), now)

	if rejected != 1 {
		t.Errorf("Expected 1 rejected record, got %d", rejected)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}

	if hits[0].SubjectID != "subject-a" {
		t.Errorf("Expected record attribute to win, got %s", hits[0].SubjectID)
	}
	if !hits[0].Timestamp.Equal(ts) {
		t.Errorf("Expected timestamp %v, got %v", ts, hits[0].Timestamp)
	}
	if hits[0].TZOffsetMinutes != 120 {
		t.Errorf("Expected offset 120, got %d", hits[0].TZOffsetMinutes)
	}

	if hits[1].SubjectID != "resource-subject" {
		t.Errorf("Expected resource subject, got %s", hits[1].SubjectID)
	}
	if !hits[1].Timestamp.Equal(ts.Add(time.Minute)) {
		t.Errorf("Expected observed timestamp, got %v", hits[1].Timestamp)
	}
	if hits[1].TZOffsetMinutes != -60 {
		t.Errorf("Expected offset -60, got %d", hits[1].TZOffsetMinutes)
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	server, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return server, filepath.Join(cfg.OutputDir, cfg.HitsFileName)
}

func readHits(t *testing.T, path string) []aggregator.Hit {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open hits file: %v", err)
	}
	defer f.Close()

	var hits []aggregator.Hit
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var hit aggregator.Hit
		if err := json.Unmarshal(scanner.Bytes(), &hit); err != nil {
			t.Fatalf("Failed to decode hit line %q: %v", scanner.Text(), err)
		}
		hits = append(hits, hit)
	}
	return hits
}

func TestLogsHandlerProtobuf(t *testing.T) {
	server, path := newTestServer(t)
	ts := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	body, err := proto.Marshal(testRequest(ts))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-protobuf")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	resp := &logsv1.ExportLogsServiceResponse{}
	if err := proto.Unmarshal(rec.Body.Bytes(), resp); err != nil {
		t.Fatalf("Failed to unmarshal response: %v", err)
	}
	if resp.GetPartialSuccess().GetRejectedLogRecords() != 1 {
		t.Errorf("Expected 1 rejected record reported, got %d", resp.GetPartialSuccess().GetRejectedLogRecords())
	}

	hits := readHits(t, path)
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hit lines, got %d", len(hits))
	}
	if hits[0].SubjectID != "subject-a" || hits[0].TZOffsetMinutes != 120 {
		t.Errorf("Unexpected first hit: %+v", hits[0])
	}
}

func TestLogsHandlerJSON(t *testing.T) {
	server, path := newTestServer(t)
	ts := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	body, err := protojson.Marshal(testRequest(ts))
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON response, got %s", ct)
	}
	if hits := readHits(t, path); len(hits) != 2 {
		t.Errorf("Expected 2 hit lines, got %d", len(hits))
	}
}

func TestLogsHandlerRejectsBadRequests(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for GET, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader([]byte("not protobuf at all")))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for garbage body, got %d", rec.Code)
	}
}

func TestFileWriterBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hits.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	if err := w.WriteBatch(nil); err != nil {
		t.Fatalf("Failed to write empty batch: %v", err)
	}
	if err := w.WriteBatch([]any{map[string]int{"a": 1}, map[string]int{"b": 2}}); err != nil {
		t.Fatalf("Failed to write batch: %v", err)
	}
	if err := w.WriteJSON(map[string]int{"c": 3}); err != nil {
		t.Fatalf("Failed to write line: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	expected := "{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n"
	if string(data) != expected {
		t.Errorf("Expected %q, got %q", expected, string(data))
	}
}
