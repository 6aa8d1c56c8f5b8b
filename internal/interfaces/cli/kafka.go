package cli

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/CareCircle/internal/config"
	"github.com/turtacn/CareCircle/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/CareCircle/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/CareCircle/pkg/errors"
)

var errLimitReached = stderrors.New("limit reached")

func kafkaTopics(cfg *config.Config) kafka.Topics {
	return kafka.Topics{Prefix: cfg.Kafka.TopicPrefix}
}

func requireKafka(cliCtx *CLIContext) error {
	if len(cliCtx.Config.Kafka.Brokers) == 0 {
		return errors.New(errors.ErrCodeValidation, "kafka.brokers is not configured")
	}
	return nil
}

// TopicList is the output of kafka topics.
type TopicList []kafka.TopicConfig

func (l TopicList) TableHeaders() []string {
	return []string{"TOPIC", "PARTITIONS", "REPLICATION", "RETENTION"}
}

func (l TopicList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, t := range l {
		rows = append(rows, []string{
			t.Name,
			strconv.Itoa(t.NumPartitions),
			strconv.Itoa(t.ReplicationFactor),
			(time.Duration(t.RetentionMs) * time.Millisecond).String(),
		})
	}
	return rows
}

// DeadLetter is a replay action the sync coordinator gave up on.
type DeadLetter struct {
	At       time.Time       `json:"at"`
	FamilyID string          `json:"family_id"`
	DeviceID string          `json:"device_id"`
	MemberID string          `json:"member_id"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	Action   json.RawMessage `json:"action"`
}

func decodeDeadLetter(env *kafka.EventEnvelope) (*DeadLetter, error) {
	dl := &DeadLetter{At: env.Timestamp, FamilyID: env.FamilyID}
	if err := env.DecodePayload(dl); err != nil {
		return nil, err
	}
	return dl, nil
}

func (d *DeadLetter) line() string {
	return fmt.Sprintf("%s family=%s member=%s device=%s attempts=%d error=%q action=%s",
		d.At.Format(time.RFC3339), d.FamilyID, d.MemberID, d.DeviceID, d.Attempts, d.Error, string(d.Action))
}

func newKafkaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kafka",
		Short: "Manage the domain-event topics",
	}

	var replication int
	topics := &cobra.Command{
		Use:   "topics",
		Short: "List the topics the service publishes to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return PrintResult(cmd, TopicList(kafka.DefaultTopics(kafkaTopics(cliCtx.Config), replication)))
		},
	}
	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create any missing topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if err := requireKafka(cliCtx); err != nil {
				return err
			}
			mgr, err := kafka.NewTopicManager(cliCtx.Config.Kafka.Brokers, cliCtx.Logger)
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx, cancel := withTimeout(cmd, cliCtx)
			defer cancel()
			wanted := kafka.DefaultTopics(kafkaTopics(cliCtx.Config), replication)
			if err := mgr.EnsureTopics(ctx, wanted); err != nil {
				return err
			}
			PrintSuccess(cmd, fmt.Sprintf("%d topics present", len(wanted)))
			return nil
		},
	}
	topics.PersistentFlags().IntVar(&replication, "replication", 1, "replication factor for created topics")
	topics.AddCommand(ensure)

	var (
		group      string
		fromLatest bool
		limit      int
	)
	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "Follow sync actions that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cliCtx, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			if err := requireKafka(cliCtx); err != nil {
				return err
			}
			consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
				Brokers:       cliCtx.Config.Kafka.Brokers,
				GroupID:       group,
				Topic:         kafkaTopics(cliCtx.Config).Name(kafka.TopicDeadLetter),
				StartAtLatest: fromLatest,
			}, cliCtx.Logger)
			if err != nil {
				return err
			}
			defer consumer.Close()

			// Follows until interrupted or limit is reached; --timeout does
			// not apply.
			seen := 0
			err = consumer.Run(cmd.Context(), func(_ context.Context, env *kafka.EventEnvelope) error {
				dl, err := decodeDeadLetter(env)
				if err != nil {
					cliCtx.Logger.Warn("undecodable dead letter",
						logging.String("event_id", env.EventID), logging.Err(err))
					return nil
				}
				if cliCtx.OutputFormat == "json" {
					if err := json.NewEncoder(cmd.OutOrStdout()).Encode(dl); err != nil {
						return err
					}
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), dl.line())
				}
				seen++
				if limit > 0 && seen >= limit {
					return errLimitReached
				}
				return nil
			})
			if stderrors.Is(err, errLimitReached) {
				return nil
			}
			return err
		},
	}
	deadLetters.Flags().StringVar(&group, "group", "carectl-dead-letters", "consumer group")
	deadLetters.Flags().BoolVar(&fromLatest, "from-latest", false, "skip messages published before start")
	deadLetters.Flags().IntVar(&limit, "limit", 0, "stop after this many messages (0 follows forever)")

	cmd.AddCommand(topics, deadLetters)
	return cmd
}
