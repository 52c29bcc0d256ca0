package extract

// Page is the raw extraction of one document page: its text plus any
// embedded images found on it.
type Page struct {
	Number int      `json:"number"`
	Text   string   `json:"text"`
	Images [][]byte `json:"images,omitempty"`
}

// Interval is a timed span of transcribed speech.
type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Frame is a video keyframe captured at a timestamp.
type Frame struct {
	Timestamp float64 `json:"timestamp"`
	Image     []byte  `json:"image"`
}
