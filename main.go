package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"verdantly-core/conn"
	"verdantly-core/evaluations"
	"verdantly-core/intake"
	"verdantly-core/migrations"
	"verdantly-core/notify"
	"verdantly-core/payments"
	"verdantly-core/pricing"
	"verdantly-core/reminders"
	"verdantly-core/sessions"
	"verdantly-core/sse"
	"verdantly-core/subscriptions"
	"verdantly-core/therapists"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// dispatcher routes verified processor events to the manager that owns the
// payment's purpose. Every target operation is idempotent on the payment
// reference, so processor redelivery is safe.
type dispatcher struct {
	evals *evaluations.Manager
	subs  *subscriptions.Manager
	sess  *sessions.Manager
}

func (d *dispatcher) CheckoutCompleted(ctx context.Context, reference string, v *payments.Verification) error {
	switch v.Purpose {
	case payments.PurposeEvaluationFee:
		id, err := strconv.Atoi(v.Metadata[evaluations.MetadataEvaluationID])
		if err != nil {
			return fmt.Errorf("checkout %s: bad evaluation id: %w", reference, err)
		}
		_, err = d.evals.ConfirmPayment(ctx, id, reference)
		return err
	case payments.PurposeSubscription:
		clientID, err := strconv.Atoi(v.Metadata[subscriptions.MetadataClientID])
		if err != nil {
			return fmt.Errorf("checkout %s: bad client id: %w", reference, err)
		}
		tier := pricing.TierID(v.Metadata[subscriptions.MetadataTier])
		_, err = d.subs.ActivateFromPayment(ctx, clientID, tier, reference)
		if errors.Is(err, subscriptions.ErrAlreadyActive) {
			// Redelivered while the first activation already landed.
			return nil
		}
		return err
	case payments.PurposeSessionPayment:
		if raw := v.Metadata[sessions.MetadataSessionID]; raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("checkout %s: bad session id: %w", reference, err)
			}
			_, err = d.sess.ConfirmPayment(ctx, id, reference)
			return err
		}
		clientID, err := strconv.Atoi(v.Metadata[sessions.MetadataClientID])
		if err != nil {
			return fmt.Errorf("checkout %s: bad client id: %w", reference, err)
		}
		_, err = d.sess.ConfirmBooking(ctx, clientID, reference)
		return err
	case payments.PurposeCancellationFee:
		id, err := strconv.Atoi(v.Metadata[sessions.MetadataSessionID])
		if err != nil {
			return fmt.Errorf("checkout %s: bad session id: %w", reference, err)
		}
		_, err = d.sess.ConfirmCancellationFee(ctx, id, reference)
		return err
	}
	log.Printf("[main][webhook] unknown purpose=%s reference=%s ignored", v.Purpose, reference)
	return nil
}

func (d *dispatcher) InvoicePaid(ctx context.Context, subscriptionReference string) error {
	_, err := d.subs.RenewByReference(ctx, subscriptionReference)
	if errors.Is(err, subscriptions.ErrNotActive) {
		return nil
	}
	return err
}

func (d *dispatcher) InvoicePaymentFailed(ctx context.Context, subscriptionReference string) error {
	_, err := d.subs.ExpireByReference(ctx, subscriptionReference)
	if errors.Is(err, subscriptions.ErrNotActive) {
		return nil
	}
	return err
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("[main] no .env file, using environment")
	}

	db, err := conn.NewMySQL()
	if err != nil {
		log.Fatalf("[main] database: %v", err)
	}
	migrations.Init(db)
	if err := migrations.Migrate(); err != nil {
		log.Fatalf("[main] migrate: %v", err)
	}
	if err := migrations.SeedDemoTherapists(); err != nil {
		log.Printf("[main] seed therapists: %v", err)
	}

	catalogPath := os.Getenv("PRICING_CATALOG")
	if catalogPath == "" {
		catalogPath = "pricing.yaml"
	}
	catalog, err := pricing.Load(catalogPath)
	if err != nil {
		log.Fatalf("[main] pricing catalog: %v", err)
	}

	var gateway payments.Gateway
	var webhookSecret string
	if stripe := payments.NewStripeFromEnv(); stripe != nil {
		gateway = stripe
		webhookSecret = stripe.WebhookSecret()
	} else {
		log.Println("[main] stripe not configured, payment-gated transitions will fail closed")
	}

	var intakeSvc evaluations.IntakeService
	if c := intake.NewFromEnv(); c != nil {
		intakeSvc = c
	}

	broadcaster := sse.NewBroadcaster()
	notifier := notify.NewService()

	therapistRepo := therapists.NewRepository(db)
	evalRepo := evaluations.NewRepository(db)
	subRepo := subscriptions.NewRepository(db)
	sessRepo := sessions.NewRepository(db)

	evalMgr := evaluations.NewManager(evalRepo, therapistRepo, gateway, intakeSvc, catalog)
	evalMgr.SetNotifier(notifier)
	evalMgr.SetRefresher(broadcaster)

	subMgr := subscriptions.NewManager(subRepo, evalRepo, gateway, catalog)
	subMgr.SetRefresher(broadcaster)

	sessMgr := sessions.NewManager(sessRepo, therapistRepo, subMgr, gateway, catalog)
	sessMgr.SetRefresher(broadcaster)

	job := reminders.NewJob(evalRepo, therapistRepo, notifier)
	job.Start()
	defer job.Stop()

	r := gin.Default()
	r.GET("/events", broadcaster.Stream)

	pricing.NewHandler(catalog).RegisterRoutes(r)
	therapists.NewHandler(therapistRepo).RegisterRoutes(r)
	evaluations.NewHandler(evalMgr).RegisterRoutes(r)
	subscriptions.NewHandler(subMgr).RegisterRoutes(r)
	sessions.NewHandler(sessMgr).RegisterRoutes(r)
	payments.NewWebhookHandler(webhookSecret, &dispatcher{
		evals: evalMgr,
		subs:  subMgr,
		sess:  sessMgr,
	}).RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("[main] listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("[main] server: %v", err)
	}
}
