package dispatch

import (
	"github.com/nicholas-fedor/shoutrrr"

	"github.com/tidemark-io/tidemark/internal/errors"
)

// chatSender posts alert summaries to chat services through shoutrrr
// service URLs (slack://, discord://, telegram://, ...).
type chatSender struct{}

func (chatSender) send(serviceURL, message string) error {
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		return errors.Wrap(errors.KindUpstreamPermanent, "invalid chat service url", err)
	}
	for _, err := range sender.Send(message, nil) {
		if err != nil {
			return errors.Wrap(errors.KindUpstreamTimeout, "chat delivery failed", err)
		}
	}
	return nil
}
