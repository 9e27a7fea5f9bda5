package blob

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RecordKey builds the object key for an uploaded record PDF. The file name
// is flattened to its base form so user input cannot traverse the key space.
func RecordKey(userID string, recordID uuid.UUID, fileName string) string {
	name := fileName
	if i := strings.LastIndexAny(name, "/\\"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "record.pdf"
	}
	return fmt.Sprintf("users/%s/records/%s_%s", userID, recordID, name)
}

// TTSKey builds the object key for a synthesized question audio file.
func TTSKey(threadID string, turn int) string {
	return fmt.Sprintf("tts/%s/%d.mp3", threadID, turn)
}
