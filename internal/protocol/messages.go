package protocol

import "time"

// AudioFrame carries little-endian PCM16 audio streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Segment is one finalized transcript segment. Positions are feature frames
// from the start of the stream.
type Segment struct {
	SessionID        string    `json:"session_id"`
	Sequence         int64     `json:"sequence"`
	Text             string    `json:"text"`
	Start            float64   `json:"start"`
	End              float64   `json:"end"`
	StartPos         int       `json:"start_pos"`
	EndPos           int       `json:"end_pos"`
	AvgLogprob       float64   `json:"avg_logprob"`
	CompressionRatio float64   `json:"compression_ratio"`
	NoSpeechProb     float64   `json:"no_speech_prob"`
	Temperature      float64   `json:"temperature"`
	Timestamp        time.Time `json:"timestamp"`
}

// Transcript is the plain text of one Read batch.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// TranslatedSegment pairs a segment with its translation.
type TranslatedSegment struct {
	SessionID   string    `json:"session_id"`
	Sequence    int64     `json:"sequence"`
	Text        string    `json:"text"`
	Translation string    `json:"translation"`
	Provider    string    `json:"provider"`
	SourceLang  string    `json:"source_lang,omitempty"`
	TargetLang  string    `json:"target_lang"`
	Start       float64   `json:"start"`
	End         float64   `json:"end"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectSegmentFinal      = "stt.segment.final"
	SubjectSegmentTranslated = "stt.segment.translated"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
)

// AudioFrameSubject is the subject a device publishes its frames on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
