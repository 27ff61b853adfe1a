package bootstrap

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScript_DefinesExpectedPipeSurface(t *testing.T) {
	src := string(Script)
	for _, fn := range []string{
		"placeholder:", "start:", "end:", "loadCSS:",
		"addPerfEntry:", "getEntries:",
		"onStart:", "onBeforeInit:", "onAfterInit:", "onDone:",
	} {
		assert.Truef(t, strings.Contains(src, fn), "expected bootstrap script to define %q", fn)
	}
}

func TestContentType_IsJavaScript(t *testing.T) {
	assert.Contains(t, ContentType, "javascript")
}
