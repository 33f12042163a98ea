package dispatch

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"

	"github.com/tidemark-io/tidemark/internal/errors"
)

func TestChatSend_PostsToService(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://chat.example.com/hook",
		httpmock.NewStringResponder(http.StatusOK, "ok"))

	err := chatSender{}.send("generic://chat.example.com/hook", "[warning] pump-1 is hot")
	assert.NoError(t, err)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestChatSend_UpstreamFailureIsRetryable(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder(http.MethodPost, "https://chat.example.com/hook",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	err := chatSender{}.send("generic://chat.example.com/hook", "message")
	assert.True(t, errors.IsKind(err, errors.KindUpstreamTimeout))
}

func TestChatSend_InvalidServiceURL(t *testing.T) {
	err := chatSender{}.send("not-a-service://x", "message")
	assert.True(t, errors.IsKind(err, errors.KindUpstreamPermanent))
}
