package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	prerecorded "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

const defaultDeepgramModel = "nova-2"

var deepgramInit sync.Once

// Deepgram transcribes with the prerecorded listen REST API.
type Deepgram struct {
	opts Options
}

func NewDeepgram(opts Options) *Deepgram {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = defaultDeepgramModel
	}
	return &Deepgram{opts: opts}
}

func (c *Deepgram) Transcribe(ctx context.Context, path string) (string, error) {
	if err := checkKey("deepgram", path, c.opts.APIKey); err != nil {
		return "", err
	}

	deepgramInit.Do(func() {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
	})

	cOptions := &interfaces.ClientOptions{}
	if c.opts.BaseURL != "" {
		cOptions.Host = c.opts.BaseURL
	}
	dg := api.New(client.NewREST(c.opts.APIKey, cOptions))

	res, err := dg.FromFile(ctx, path, &interfaces.PreRecordedTranscriptionOptions{
		Model:       c.opts.Model,
		Language:    c.opts.Language,
		Punctuate:   true,
		SmartFormat: true,
	})
	if err != nil {
		return "", &Error{Provider: "deepgram", Path: path, Err: err}
	}

	text, err := deepgramTranscript(res)
	if err != nil {
		return "", &Error{Provider: "deepgram", Path: path, Err: err}
	}
	return text, nil
}

// deepgramTranscript picks the first alternative of the first channel that
// has one.
func deepgramTranscript(res *prerecorded.PreRecordedResponse) (string, error) {
	if res == nil || res.Results == nil {
		return "", errors.New("deepgram: response has no results")
	}

	for _, ch := range res.Results.Channels {
		if len(ch.Alternatives) > 0 {
			return strings.TrimSpace(ch.Alternatives[0].Transcript), nil
		}
	}
	return "", nil
}
