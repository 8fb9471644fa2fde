// Package pipeline hands finalised instances over to the processing
// workflows through an AMQP exchange.
package pipeline

import (
	"context"
	"io"
	goSync "sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
)

// channel is the part of amqp.Channel that AMQP uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Mocked out for unit testing.
var openChannel = func(url string) (channel, io.Closer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ch, conn, nil
}

// AMQP publishes jobs to a topic exchange, routed by the instance's tag.
// The connection is opened on first use, and reopened after a failure.
type AMQP struct {
	url      string
	exchange string

	lock goSync.Mutex
	ch   channel
	conn io.Closer
}

// NewAMQP creates a pipeline that publishes to exchange on the broker at
// url. Nothing is dialled until the first job is submitted.
func NewAMQP(url, exchange string) *AMQP {
	return &AMQP{url: url, exchange: exchange}
}

// Submit implements registry.Pipeline.
func (p *AMQP) Submit(ctx context.Context, job registry.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.WithContext(err, "encode job")
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.connectLocked(); err != nil {
		return errors.WithContext(err, "connect")
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, job.Tag, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    job.FinalisedAt,
		Body:         body,
	})
	if err != nil {
		p.closeLocked()
		return errors.WithContext(err, "publish")
	}

	log.WithFields(log.Fields{
		"session": job.SessionID,
		"source":  job.Source,
		"tag":     job.Tag,
	}).Info("Submitted processing job")
	return nil
}

func (p *AMQP) connectLocked() error {
	if p.ch != nil {
		return nil
	}

	ch, conn, err := openChannel(p.url)
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return errors.WithContext(err, "declare exchange")
	}
	p.ch, p.conn = ch, conn
	return nil
}

func (p *AMQP) closeLocked() {
	if p.ch == nil {
		return
	}
	p.ch.Close()
	p.conn.Close()
	p.ch, p.conn = nil, nil
}

// Close closes the connection to the broker, if any.
func (p *AMQP) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closeLocked()
	return nil
}

// Log is a pipeline that only logs jobs. It's used when no broker is
// configured.
type Log struct{}

// Submit implements registry.Pipeline.
func (Log) Submit(ctx context.Context, job registry.Job) error {
	log.WithFields(log.Fields{
		"session": job.SessionID,
		"source":  job.Source,
		"tag":     job.Tag,
	}).Info("No processing broker configured. Not submitting job.")
	return nil
}
