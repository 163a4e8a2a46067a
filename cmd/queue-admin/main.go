// Command queue-admin выполняет операции оператора над очередью доставки:
// просмотр задач, повтор, удаление, сверка и просмотр событий в Kafka.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/giftsched/internal/app"
	"github.com/vladislavdragonenkov/giftsched/internal/clock"
	"github.com/vladislavdragonenkov/giftsched/internal/domain"
	"github.com/vladislavdragonenkov/giftsched/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/giftsched/internal/service/reconcile"
)

const usage = `usage: queue-admin <command> [flags]

commands:
  list [-state failed,delayed] [-limit 50]   show live jobs
  stats                                      show queue counters and health
  retry <job-id>                             move a failed job back to waiting
  delete <job-id>                            remove a job from the queue
  retry-failed [-limit 100]                  retry failed jobs in bulk
  reconcile                                  move finished jobs to history once
  watch-events [-group id] [-topic name]     print notifications from kafka`

const defaultListLimit = 50

var errUsage = errors.New(usage)

var (
	openBackends = app.OpenBackends
	newWatcher   = func(brokers []string, group, topic string, handler kafka.NotificationHandler, logger *log.Entry) (eventWatcher, error) {
		return kafka.NewConsumer(brokers, group, []string{topic}, handler,
			kafka.WithConsumerLogger(logger),
			kafka.WithRetries(1, 0),
		)
	}
)

type eventWatcher interface {
	Start(ctx context.Context) error
	Stop() error
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := app.LoadConfig()
	if err != nil {
		fail("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdout); err != nil {
		fail("queue-admin: %v", err)
	}
}

func run(ctx context.Context, cfg app.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	command, rest := args[0], args[1:]
	logger := log.WithField("component", "queue-admin")

	if command == "watch-events" {
		return watchEvents(ctx, cfg, rest, out, logger)
	}

	backends, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.WithError(err).Warn("failed to close backends")
		}
	}()

	return dispatch(ctx, backends, command, rest, out, logger)
}

func dispatch(ctx context.Context, b *app.Backends, command string, args []string, out io.Writer, logger *log.Entry) error {
	clk := clock.NewRealClock()
	admin := reconcile.NewAdmin(b.Queue, clk, logger, reconcile.WithRedelivery(b.UnitOfWork, nil))

	switch command {
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		states := fs.String("state", "", "comma separated job states")
		limit := fs.Int("limit", defaultListLimit, "max jobs to print")
		if err := fs.Parse(args); err != nil {
			return errors.Wrap(err, "list flags")
		}
		parsed, err := parseStates(*states)
		if err != nil {
			return err
		}
		jobs, err := b.Queue.List(ctx, parsed, 0, *limit)
		if err != nil {
			return errors.Wrap(err, "list jobs")
		}
		return printJobs(out, jobs)

	case "stats":
		stats, err := reconcile.NewViews(b.UnitOfWork, b.Queue, clk, nil, 0).QueueStats(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "waiting=%d active=%d delayed=%d failed=%d completed=%d health=%s\n",
			stats.Waiting, stats.Active, stats.Delayed, stats.Failed, stats.Completed, stats.Health)
		return err

	case "retry", "delete":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return errors.Wrapf(errUsage, "%s needs exactly one job id", command)
		}
		jobID := strings.TrimSpace(args[0])
		op := admin.RetryJob
		if command == "delete" {
			op = admin.DeleteJob
		}
		if err := op(ctx, jobID); err != nil {
			return errors.Wrapf(err, "%s %s", command, jobID)
		}
		_, err := fmt.Fprintf(out, "%s ok: %s\n", command, jobID)
		return err

	case "retry-failed":
		fs := flag.NewFlagSet("retry-failed", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		limit := fs.Int("limit", 100, "max jobs to retry (capped at 100)")
		if err := fs.Parse(args); err != nil {
			return errors.Wrap(err, "retry-failed flags")
		}
		n, err := admin.RetryFailedJobs(ctx, *limit)
		if _, werr := fmt.Fprintf(out, "retried %d failed jobs\n", n); werr != nil {
			return werr
		}
		return err

	case "reconcile":
		reconciler := reconcile.NewReconciler(b.UnitOfWork, b.Queue, reconcile.Config{
			Logger: logger.WithField("component", "reconciler"),
			Clock:  clk,
			Locker: b.Locker,
		})
		n, err := reconciler.Sweep(ctx)
		if _, werr := fmt.Fprintf(out, "reconciled %d jobs\n", n); werr != nil {
			return werr
		}
		return err

	default:
		return errors.Wrapf(errUsage, "unknown command %q", command)
	}
}

func parseStates(raw string) ([]domain.JobState, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []domain.JobState
	for _, part := range strings.Split(raw, ",") {
		state := domain.JobState(strings.ToLower(strings.TrimSpace(part)))
		switch state {
		case domain.JobWaiting, domain.JobActive, domain.JobDelayed, domain.JobCompleted, domain.JobFailed:
			out = append(out, state)
		case "":
		default:
			return nil, errors.Newf("unknown job state %q", part)
		}
	}
	return out, nil
}

func printJobs(out io.Writer, jobs []domain.Job) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tATTEMPTS\tRUN AT\tRECIPIENT\tLAST ERROR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.State, j.Attempts, j.MaxAttempts,
			j.RunAt.UTC().Format(time.RFC3339), j.Payload.RecipientEmail, j.LastError)
	}
	return w.Flush()
}

func watchEvents(ctx context.Context, cfg app.Config, args []string, out io.Writer, logger *log.Entry) error {
	fs := flag.NewFlagSet("watch-events", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	group := fs.String("group", "giftsched-queue-admin", "consumer group id")
	topic := fs.String("topic", cfg.KafkaNotificationTopic, "notification topic")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "watch-events flags")
	}

	var brokers []string
	for _, b := range strings.Split(cfg.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return errors.New("GIFTSCHED_KAFKA_BROKERS is required for watch-events")
	}

	watcher, err := newWatcher(brokers, *group, *topic, func(_ context.Context, n kafka.Notification) error {
		return printNotification(out, n)
	}, logger)
	if err != nil {
		return errors.Wrap(err, "create kafka consumer")
	}
	if err := watcher.Start(ctx); err != nil {
		return errors.Wrap(err, "start kafka consumer")
	}
	logger.WithField("topic", *topic).Info("watching notifications, press Ctrl+C to stop")

	<-ctx.Done()
	return watcher.Stop()
}

// printNotification печатает одну строку на событие.
func printNotification(out io.Writer, n kafka.Notification) error {
	_, err := fmt.Fprintf(out, "%s %s key=%s %s\n",
		n.PublishedAt.UTC().Format(time.RFC3339), n.EventType, n.Key, n.Text)
	return err
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
