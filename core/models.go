package core

// CaptionStatus classifies the acquisition outcome for one video.
type CaptionStatus string

const (
	StatusOfficial      CaptionStatus = "official"
	StatusAutoGenerated CaptionStatus = "auto_generated"
	StatusTranscribed   CaptionStatus = "transcribed"
	StatusUnavailable   CaptionStatus = "unavailable"
	StatusError         CaptionStatus = "error"
)

// HasCaptions reports whether the status carries usable caption content.
func (s CaptionStatus) HasCaptions() bool {
	return s == StatusOfficial || s == StatusAutoGenerated || s == StatusTranscribed
}

// VideoReference identifies one video as reported by the platform extractor.
// Immutable once fetched; identity is ID.
type VideoReference struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Uploader string  `json:"uploader"`
	Duration float64 `json:"duration"`
	URL      string  `json:"url"`
}

// Cue is a single timed line of a caption track. Within a track start times
// are non-decreasing and End >= Start.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// CaptionResult is the per-video outcome of one acquisition run. Created once
// per video per run, never mutated afterwards.
type CaptionResult struct {
	Video    VideoReference `json:"video"`
	Status   CaptionStatus  `json:"status"`
	Language string         `json:"language,omitempty"`
	Cues     []Cue          `json:"cues,omitempty"`
	Path     string         `json:"path,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// Chunk is the unit of embedding and retrieval: contiguous cues of one video
// merged up to a size bound. CharLength counts cue text only, not separators.
type Chunk struct {
	VideoID    string  `json:"video_id"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	CharLength int     `json:"char_length"`
}

// EmbeddedRow pairs a chunk with its embedding vector for storage. Rows are
// never patched in place; reindexing replaces the whole table.
type EmbeddedRow struct {
	Chunk
	Vector []float32
}

// SearchHit is one nearest-neighbor match, Score in [0,1] with higher = closer.
type SearchHit struct {
	Chunk
	Score float64 `json:"score"`
}

// Citation points an answer back to a source video and timestamp.
type Citation struct {
	VideoID   string  `json:"video_id"`
	StartTime float64 `json:"start_time"`
	URL       string  `json:"url,omitempty"`
}

// QueryResult is the answer to one question with supporting citations.
// Ephemeral, never persisted.
type QueryResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// AggregateStats summarizes one acquisition run. Duration figures cover only
// videos whose metadata fetch succeeded.
type AggregateStats struct {
	Total         int     `json:"total"`
	Official      int     `json:"official"`
	AutoGenerated int     `json:"auto_generated"`
	Transcribed   int     `json:"transcribed"`
	Unavailable   int     `json:"unavailable"`
	Errors        int     `json:"errors"`
	CaptionedPct  float64 `json:"captioned_pct"`
	AvgDuration   float64 `json:"avg_duration"`
	TotalDuration float64 `json:"total_duration"`
}
