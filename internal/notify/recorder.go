package notify

// Recorder receives notification metrics. It avoids an import cycle with
// the metrics package.
type Recorder interface {
	RecordNotifyDropped(code string)
	RecordEventReceived(kind string)
	RecordDelivered(n int)
	RecordSlowConsumer()
	SetActiveConnections(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotifyDropped(string) {}
func (nopRecorder) RecordEventReceived(string) {}
func (nopRecorder) RecordDelivered(int)        {}
func (nopRecorder) RecordSlowConsumer()        {}
func (nopRecorder) SetActiveConnections(int)   {}
