package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/aureaclinic/clinicsched/libs/config"
	"github.com/aureaclinic/clinicsched/libs/db"
	"github.com/aureaclinic/clinicsched/libs/httpx"
	"github.com/aureaclinic/clinicsched/libs/kafkax"
	otelx "github.com/aureaclinic/clinicsched/libs/otel"
	"github.com/aureaclinic/clinicsched/libs/runtime"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/consumer"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/email"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/inbox"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/notify"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/outbox"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/sms"
	"github.com/aureaclinic/clinicsched/services/notification-service/internal/storage"
)

// dispatcher delivers one scheduling event to the patient and records the
// outcome.
type dispatcher struct {
	repo   *storage.Repository
	outbox *outbox.Repository
	email  email.Sender
	sms    sms.Sender
	logger *slog.Logger
	loc    *time.Location
}

func (d *dispatcher) handle(ctx context.Context, msg kafka.Message) error {
	eventType := kafkax.ExtractEventMeta(msg).EventType
	if eventType == "" {
		eventType = msg.Topic
	}

	payload, err := notify.ParsePayload(msg.Value)
	if err != nil {
		d.logger.Error("invalid event payload", "err", err, "topic", msg.Topic)
		return nil
	}
	kind, ok := notify.KindFor(eventType, payload)
	if !ok {
		return nil
	}

	contact, err := d.repo.GetPatientContact(ctx, payload.PatientID)
	if err != nil {
		if errors.Is(err, storage.ErrPatientNotFound) {
			d.logger.Error("patient unknown, notification dropped",
				"patient_id", payload.PatientID, "appointment_id", payload.AppointmentID)
			return nil
		}
		return err
	}

	subject, body := notify.Message(kind, payload, d.loc)
	if contact.Email != "" {
		d.deliver(ctx, payload, kind, "email", contact.Email, func() error {
			return d.email.Send(contact.Email, subject, body)
		})
	}
	// SMS only for the short-notice reminder; everything else goes by email.
	if kind == notify.KindReminder2h && contact.Phone != "" {
		d.deliver(ctx, payload, kind, "sms", contact.Phone, func() error {
			return d.sms.Send(ctx, contact.Phone, body)
		})
	}
	if contact.Email == "" && contact.Phone == "" {
		d.logger.Warn("patient has no contact details",
			"patient_id", payload.PatientID, "appointment_id", payload.AppointmentID)
	}
	return nil
}

func (d *dispatcher) deliver(ctx context.Context, payload notify.EventPayload, kind notify.Kind, channel, recipient string, send func() error) {
	status := "sent"
	reason := ""
	if err := send(); err != nil {
		status = "failed"
		reason = err.Error()
		d.logger.Error("delivery failed", "channel", channel, "kind", kind, "err", err)
	}

	if err := d.repo.Insert(ctx, storage.Notification{
		AppointmentID: payload.AppointmentID,
		PatientID:     payload.PatientID,
		Kind:          string(kind),
		Channel:       channel,
		Recipient:     recipient,
		Status:        status,
		FailureReason: reason,
	}); err != nil {
		d.logger.Error("failed to persist notification", "err", err)
	}

	eventType := "notification.sent.v1"
	if status == "failed" {
		eventType = "notification.failed.v1"
	}
	eventPayload, err := json.Marshal(map[string]any{
		"appointment_id": payload.AppointmentID,
		"patient_id":     payload.PatientID,
		"kind":           string(kind),
		"channel":        channel,
		"status":         status,
		"error_reason":   reason,
		"at":             time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		d.logger.Error("failed to build outcome payload", "err", err)
		return
	}
	if err := d.outbox.Record(ctx, outbox.Event{
		AggregateType: "notification",
		AggregateID:   payload.AppointmentID,
		EventType:     eventType,
		Payload:       eventPayload,
	}); err != nil {
		d.logger.Error("failed to enqueue outcome event", "err", err)
	}
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	loc, err := time.LoadLocation(config.String("CLINIC_TIMEZONE", "Europe/Madrid"))
	if err != nil {
		logger.Error("invalid CLINIC_TIMEZONE, using UTC", "err", err)
		loc = time.UTC
	}

	inboxRepo := inbox.NewRepository(pool)
	notificationsRepo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@aureaclinic.local"),
	)
	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(config.String("SMS_WEBHOOK_URL", ""), config.String("SMS_WEBHOOK_TOKEN", ""))
	default:
		smsSender = sms.NewNoopSender()
	}

	disp := &dispatcher{
		repo:   notificationsRepo,
		outbox: outboxRepo,
		email:  emailSender,
		sms:    smsSender,
		logger: logger,
		loc:    loc,
	}

	topics := strings.Split(config.String("KAFKA_CONSUME_TOPICS",
		"scheduling.appointment.booked.v1,"+
			"scheduling.appointment.confirmed.v1,"+
			"scheduling.appointment.rescheduled.v1,"+
			"scheduling.appointment.cancelled.v1,"+
			"scheduling.reminder.due.v1"), ",")
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "notification-service"),
			Topic:   topic,
		}, disp.handle)
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
