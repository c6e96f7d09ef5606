package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/linkmux/internal/logging"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordPacket("control", "out", "send_data")
	RecordBodyBytes("datafile", "in", 4096)
	RecordBodyBytes("datafile", "in", 0)
	RecordTransferError("control", "cipher")
	RecordLiveness("control", "suspected")
	RecordReconnection(true)
	RecordReconnection(false)
	AddPendingTasks(2)
	AddPendingTasks(-2)
	AddBufferPairs(1)

	logging.Logf("observability/metrics: registration idempotent and recording paths executed")
}

func TestMetricsHandlerExposesLinkSeries(t *testing.T) {
	RecordPacket("control", "in", "heartbeat")

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "linkmux_channel_packets_total") {
		t.Fatalf("metrics output missing packet counter")
	}
}
