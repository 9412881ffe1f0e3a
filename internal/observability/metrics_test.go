package observability

import (
	"testing"
	"time"

	"github.com/rs/zerolog/log"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("wisund", "GET", "/health", 200, 12*time.Millisecond)
	RecordDispatch("console")
	RecordDelivery("console", "serial")
	RecordUnrouted("tun")
	RecordDeliveryFailure("capture")
	RecordEndpointFrame("serial", "rx")
	RecordEndpointIOError("serial", "tx")

	log.Info().Msg("observability/metrics: registration idempotent and recording paths executed")
}
