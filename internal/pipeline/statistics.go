package pipeline

// Statistics is the per-job outcome summary persisted with the job row and
// embedded in the debug snapshot.
type Statistics struct {
	HandFilesRead int `json:"handFilesRead"`
	HandsParsed   int `json:"handsParsed"`
	Screenshots   int `json:"screenshots"`

	OCR1Succeeded int `json:"ocr1Succeeded"`
	OCR1Failed    int `json:"ocr1Failed"`
	OCR1Retried   int `json:"ocr1Retried"`
	OCR2Succeeded int `json:"ocr2Succeeded"`
	OCR2Failed    int `json:"ocr2Failed"`

	MatchedByHandID   int `json:"matchedByHandId"`
	MatchedByFilename int `json:"matchedByFilename"`
	MatchedByScore    int `json:"matchedByScore"`
	GateRejected      int `json:"gateRejected"`
	Discarded         int `json:"discarded"`

	MappingsBuilt     int `json:"mappingsBuilt"`
	MappingsDiscarded int `json:"mappingsDiscarded"`

	HandsClean       int `json:"handsClean"`
	HandsIncomplete  int `json:"handsIncomplete"`
	TablesResolved   int `json:"tablesResolved"`
	TablesIncomplete int `json:"tablesIncomplete"`
}

// Matched is the total number of screenshots anchored to a hand after gates.
func (s *Statistics) Matched() int {
	return s.MatchedByHandID + s.MatchedByFilename + s.MatchedByScore
}
