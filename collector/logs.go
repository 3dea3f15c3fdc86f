package collector

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	logsv1 "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/arc-archive/arc-datastore/aggregator"
)

// Log record attributes that carry a hit.
const (
	AttrSubjectID = "app.id"
	AttrTZOffset  = "tz.offset"
)

// LogsHandler serves the OTLP/HTTP logs endpoint. Every log record that
// names a subject through the app.id attribute becomes one hit line.
type LogsHandler struct {
	writer *FileWriter
	now    func() time.Time
	log    *logrus.Entry
}

func NewLogsHandler(writer *FileWriter, log *logrus.Entry) *LogsHandler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogsHandler{
		writer: writer,
		now:    time.Now,
		log:    log.WithField("component", "collector"),
	}
}

func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.WithError(err).Warn("Failed to read request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	isJSON := false
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		isJSON = mediaType == "application/json"
	}

	req := &logsv1.ExportLogsServiceRequest{}
	if isJSON {
		err = protojson.Unmarshal(body, req)
	} else {
		err = proto.Unmarshal(body, req)
	}
	if err != nil {
		h.log.WithError(err).Warn("Failed to unmarshal logs request")
		http.Error(w, "Failed to unmarshal request", http.StatusBadRequest)
		return
	}

	hits, rejected := ExtractHits(req, h.now())
	items := make([]any, len(hits))
	for i := range hits {
		items[i] = hits[i]
	}
	if err := h.writer.WriteBatch(items); err != nil {
		h.log.WithError(err).Error("Failed to write hits")
		http.Error(w, "Failed to write data", http.StatusInternalServerError)
		return
	}

	resp := &logsv1.ExportLogsServiceResponse{}
	if rejected > 0 {
		resp.PartialSuccess = &logsv1.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(rejected),
			ErrorMessage:       fmt.Sprintf("%d log records had no %s attribute", rejected, AttrSubjectID),
		}
	}

	var respData []byte
	if isJSON {
		respData, err = protojson.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
	} else {
		respData, err = proto.Marshal(resp)
		w.Header().Set("Content-Type", "application/x-protobuf")
	}
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal response")
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	if _, err := w.Write(respData); err != nil {
		h.log.WithError(err).Warn("Failed to write response")
	}

	h.log.WithFields(logrus.Fields{
		"hits":     len(hits),
		"rejected": rejected,
	}).Debug("Stored hits")
}

// ExtractHits turns the log records of req into hits, in request order.
// Record attributes take precedence over resource attributes. Records
// without a subject id are counted as rejected. Records without a timestamp
// are stamped with now.
func ExtractHits(req *logsv1.ExportLogsServiceRequest, now time.Time) ([]aggregator.Hit, int) {
	var hits []aggregator.Hit
	rejected := 0

	for _, rl := range req.GetResourceLogs() {
		resourceAttrs := attributeMap(rl.GetResource().GetAttributes())

		for _, sl := range rl.GetScopeLogs() {
			for _, record := range sl.GetLogRecords() {
				attrs := make(map[string]*commonpb.AnyValue, len(resourceAttrs))
				for k, v := range resourceAttrs {
					attrs[k] = v
				}
				for k, v := range attributeMap(record.GetAttributes()) {
					attrs[k] = v
				}

				subjectID := attrs[AttrSubjectID].GetStringValue()
				if subjectID == "" {
					rejected++
					continue
				}

				ts := now
				switch {
				case record.GetTimeUnixNano() > 0:
					ts = time.Unix(0, int64(record.GetTimeUnixNano()))
				case record.GetObservedTimeUnixNano() > 0:
					ts = time.Unix(0, int64(record.GetObservedTimeUnixNano()))
				}

				hits = append(hits, aggregator.Hit{
					SubjectID:       subjectID,
					Timestamp:       ts.UTC(),
					TZOffsetMinutes: offsetMinutes(attrs[AttrTZOffset]),
				})
			}
		}
	}
	return hits, rejected
}

func attributeMap(kvs []*commonpb.KeyValue) map[string]*commonpb.AnyValue {
	attrs := make(map[string]*commonpb.AnyValue, len(kvs))
	for _, kv := range kvs {
		attrs[kv.GetKey()] = kv.GetValue()
	}
	return attrs
}

// offsetMinutes reads the tz.offset attribute, which clients send either as
// an integer or as a string. Anything else means UTC.
func offsetMinutes(v *commonpb.AnyValue) int {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_IntValue:
		return int(val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return int(val.DoubleValue)
	case *commonpb.AnyValue_StringValue:
		if n, err := strconv.Atoi(val.StringValue); err == nil {
			return n
		}
	}
	return 0
}
