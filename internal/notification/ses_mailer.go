package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/endpoints"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/voltgrid/portal-api/internal/config"
	"golang.org/x/net/idna"
)

const charSet = "UTF-8"

// SESMailer sends email through Amazon SES. Credentials come from the
// standard AWS environment chain, never from config.
type SESMailer struct {
	client           sesiface.SESAPI
	from             string
	configurationSet string
	defaultTags      map[string]string
}

func NewSESMailer(cfg config.EmailConfig, logger zerolog.Logger) (*SESMailer, error) {
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("email from address is required")
	}
	if strings.TrimSpace(cfg.SES.Region) == "" {
		return nil, fmt.Errorf("email.ses.region is required")
	}

	endpoint := strings.TrimSpace(cfg.SES.Endpoint)
	resolver := func(service, region string, optFns ...func(*endpoints.Options)) (endpoints.ResolvedEndpoint, error) {
		if service == endpoints.EmailServiceID && endpoint != "" {
			return endpoints.ResolvedEndpoint{
				URL:           endpoint,
				SigningRegion: region,
			}, nil
		}
		return endpoints.DefaultResolver().EndpointFor(service, region, optFns...)
	}

	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.SES.Region),
		EndpointResolver: endpoints.ResolverFunc(resolver),
	})
	if err != nil {
		return nil, errors.Wrap(err, "create aws session")
	}

	log := logger.With().Str("mailer", "ses").Logger()
	if creds, err := sess.Config.Credentials.Get(); err != nil {
		log.Warn().Err(err).Msg("no AWS credentials found; SES delivery will fail")
	} else {
		log.Info().Str("provider", creds.ProviderName).Msg("AWS credentials found")
	}

	return newSESMailer(ses.New(sess), cfg), nil
}

func newSESMailer(client sesiface.SESAPI, cfg config.EmailConfig) *SESMailer {
	return &SESMailer{
		client:           client,
		from:             strings.TrimSpace(cfg.From),
		configurationSet: strings.TrimSpace(cfg.SES.ConfigurationSet),
		defaultTags:      cfg.SES.DefaultTags,
	}
}

func (m *SESMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}

	to := make([]*string, 0, len(msg.To))
	for _, addr := range msg.To {
		encoded, err := punycodeEmail(addr)
		if err != nil {
			return errors.Wrapf(err, "encode recipient %s", addr)
		}
		to = append(to, aws.String(encoded))
	}

	input := &ses.SendEmailInput{
		Destination: &ses.Destination{ToAddresses: to},
		Message: &ses.Message{
			Body: &ses.Body{
				Text: &ses.Content{Charset: aws.String(charSet), Data: aws.String(msg.Body)},
			},
			Subject: &ses.Content{Charset: aws.String(charSet), Data: aws.String(msg.Subject)},
		},
		Source: aws.String(m.from),
		Tags:   m.tags(msg.Category),
	}
	if m.configurationSet != "" {
		input.ConfigurationSetName = aws.String(m.configurationSet)
	}

	if _, err := m.client.SendEmailWithContext(ctx, input); err != nil {
		return errors.Wrap(err, "ses send email")
	}
	return nil
}

func (m *SESMailer) tags(category string) []*ses.MessageTag {
	all := make(map[string]string, len(m.defaultTags)+1)
	for k, v := range m.defaultTags {
		all[k] = v
	}
	if category != "" {
		all["category"] = category
	}

	tags := make([]*ses.MessageTag, 0, len(all))
	for name, value := range all {
		if name != "" && value != "" {
			tags = append(tags, &ses.MessageTag{Name: aws.String(name), Value: aws.String(value)})
		}
	}
	return tags
}

// punycodeEmail converts the domain part of an address to its ASCII form;
// SES rejects non-ASCII domains.
func punycodeEmail(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 {
		return address, nil
	}
	domain, err := idna.ToASCII(address[at+1:])
	if err != nil {
		return "", err
	}
	return address[:at+1] + domain, nil
}
