package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/aws"
)

// CloudWatchMirror periodically pushes the saga counter deltas to CloudWatch.
type CloudWatchMirror struct {
	client    aws.CloudWatchAPI
	namespace string
	service   string
	logger    *zap.Logger
	nowFunc   func() time.Time
}

// NewCloudWatchMirror returns a mirror writing under namespace with a Service dimension.
func NewCloudWatchMirror(client aws.CloudWatchAPI, namespace, service string, logger *zap.Logger) *CloudWatchMirror {
	return &CloudWatchMirror{client: client, namespace: namespace, service: service, logger: logger, nowFunc: time.Now}
}

// Run flushes every interval until ctx is done, then flushes once more.
func (m *CloudWatchMirror) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Flush(flushCtx); err != nil {
				m.logger.Warn("final cloudwatch flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-t.C:
			if err := m.Flush(ctx); err != nil {
				m.logger.Warn("cloudwatch flush failed", zap.Error(err))
			}
		}
	}
}

// Flush sends the deltas recorded since the last flush. Nothing is sent when
// there is nothing to report.
func (m *CloudWatchMirror) Flush(ctx context.Context) error {
	deltas := drain()
	if len(deltas) == 0 {
		return nil
	}
	names := make([]string, 0, len(deltas))
	for n := range deltas {
		names = append(names, n)
	}
	sort.Strings(names)

	now := m.nowFunc().UTC()
	data := make([]cwtypes.MetricDatum, 0, len(names))
	for _, n := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: awsString(n),
			Timestamp:  &now,
			Unit:       cwtypes.StandardUnitCount,
			Value:      awsFloat(deltas[n]),
			Dimensions: []cwtypes.Dimension{{Name: awsString("Service"), Value: awsString(m.service)}},
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  awsString(m.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }

func awsFloat(f float64) *float64 { return &f }
