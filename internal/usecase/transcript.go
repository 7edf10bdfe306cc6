package usecase

import (
	"bytes"
	"fmt"
	"html/template"
)

const transcriptSubject = "Your conversation history"

type transcriptEntry struct {
	Timestamp string
	User      string
	Bot       string
}

var transcriptTemplate = template.Must(template.New("transcript").Parse(`<html>
<body>
<h2>Conversation history</h2>
<table>
{{- range . }}
<tr><td colspan="2"><small>{{ .Timestamp }}</small></td></tr>
<tr><td><b>You:</b></td><td>{{ .User }}</td></tr>
<tr><td><b>Bot:</b></td><td>{{ .Bot }}</td></tr>
{{- end }}
</table>
</body>
</html>
`))

// groupTranscript splits the flat history into (timestamp, user, bot)
// triplets. A trailing incomplete triplet is dropped.
func groupTranscript(history []string) []transcriptEntry {
	entries := make([]transcriptEntry, 0, len(history)/3)
	for i := 0; i+2 < len(history); i += 3 {
		entries = append(entries, transcriptEntry{
			Timestamp: history[i],
			User:      history[i+1],
			Bot:       history[i+2],
		})
	}
	return entries
}

func renderTranscript(history []string) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, groupTranscript(history)); err != nil {
		return "", fmt.Errorf("usecase: render transcript: %w", err)
	}
	return buf.String(), nil
}
