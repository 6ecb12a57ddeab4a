package models

type StreamStatus string

const (
	StreamStarting   StreamStatus = "starting"
	StreamRunning    StreamStatus = "running"
	StreamRestarting StreamStatus = "restarting"
	StreamStopped    StreamStatus = "stopped"
)

// Stream describes one supervised capture as reported by the registry.
type Stream struct {
	ID             string       `json:"id"`
	StreamID       string       `json:"stream_id"`
	OwnerID        string       `json:"user_id"`
	CameraID       string       `json:"camera_id"`
	SourceURL      string       `json:"input_url"`
	RecordDir      string       `json:"record_dir"`
	SegmentSeconds int          `json:"segment_seconds"`
	AlignFirstCut  bool         `json:"align_first_cut"`
	Pid            int          `json:"pid,omitempty"`
	Attempts       int          `json:"attempts"`
	Status         StreamStatus `json:"status"`
	Cmdline        string       `json:"cmdline,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
}
