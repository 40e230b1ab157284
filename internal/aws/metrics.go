package aws

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const outcomeMetricName = "IdempotencyOutcome"

// MetricsRecorder publishes idempotency decisions as CloudWatch count metrics.
type MetricsRecorder struct {
	client    CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewMetricsRecorder returns a recorder writing to the given CloudWatch namespace.
func NewMetricsRecorder(client CloudWatchAPI, namespace string, logger *slog.Logger) *MetricsRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricsRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// RecordOutcome emits one IdempotencyOutcome datapoint with an Outcome dimension.
// Failures are logged and otherwise ignored.
func (m *MetricsRecorder) RecordOutcome(ctx context.Context, outcome string) {
	if err := m.put(ctx, outcome); err != nil {
		m.logger.Warn("metrics_publish_failed", "outcome", outcome, "error", err.Error())
	}
}

func (m *MetricsRecorder) put(ctx context.Context, outcome string) error {
	now := m.nowFunc()
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: &m.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(outcomeMetricName),
				Dimensions: []cwtypes.Dimension{
					{Name: awsString("Outcome"), Value: awsString(outcome)},
				},
				Timestamp: &now,
				Unit:      cwtypes.StandardUnitCount,
				Value:     awsFloat64(1),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func awsFloat64(f float64) *float64 { return &f }
