package conversations

import "github.com/szczyglis-dev/py-gpt-sub005/pkg/models"

// modeClass groups modes that may share one conversation.
type modeClass int

const (
	classText modeClass = iota
	classImage
	classAssistant
)

func classOf(mode string) modeClass {
	switch mode {
	case models.ModeImage:
		return classImage
	case models.ModeAssistant:
		return classAssistant
	default:
		return classText
	}
}

// modeCompatible reports whether a conversation last run in lastMode may
// continue in mode. Image and assistant modes are exclusive; every other
// mode shares the text class.
func modeCompatible(lastMode, mode string) bool {
	if lastMode == "" {
		return true
	}
	return classOf(lastMode) == classOf(mode)
}
