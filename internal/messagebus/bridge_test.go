package messagebus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectMapping(t *testing.T) {
	b := &Bridge{prefix: "mayor.events"}
	assert.Equal(t, "mayor.events.task.moved", b.Subject("task:moved"))
	assert.Equal(t, "mayor.events.board.update", b.Subject("board:update"))
	assert.Equal(t, "mayor.events.chat.stream.end", b.Subject("chat:stream:end"))
}
