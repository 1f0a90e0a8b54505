package obs

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"smartrag/internal/rag/service"
)

// ZerologLogger adapts the process-wide zerolog logger to the narrow
// service.Logger interface the retrieval components accept, so they stay
// decoupled from the logging library while emitting through the same
// sink InitLogger configured.
type ZerologLogger struct{}

func (ZerologLogger) Info(msg string, fields map[string]any)  { emit(log.Info(), msg, fields) }
func (ZerologLogger) Error(msg string, fields map[string]any) { emit(log.Error(), msg, fields) }
func (ZerologLogger) Debug(msg string, fields map[string]any) { emit(log.Debug(), msg, fields) }

func emit(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

var _ service.Logger = ZerologLogger{}
