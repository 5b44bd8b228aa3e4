package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// cloudWatch holds the optional metrics publisher. It stays nil-cliented
// until InitCloudWatch succeeds, and publishMetrics is a no-op in that
// state so the rest of the service never has to check.
var cloudWatch = struct {
	client    *cloudwatch.Client
	namespace string
	dashboard string
}{
	namespace: "Coinflow",
	dashboard: "Coinflow",
}

// InitCloudWatch builds the CloudWatch client for the given region and
// namespace, falling back to AWS_REGION when region is empty. A failure
// only logs a warning: the service runs fine with metric publishing off.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cloudWatch.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		cloudWatch.namespace = namespace
	}
	if dashboard != "" {
		cloudWatch.dashboard = dashboard
	}

	log.WithFields(Fields{"region": region, "namespace": cloudWatch.namespace}).Info("initialized CloudWatch client")

	ensureDashboard(ctx)
}

// publishMetrics ships the batch to CloudWatch. Called from the runtime
// report loop; quietly does nothing when the client was never initialised.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cloudWatch.client == nil {
		log.Debug("CloudWatch client not initialized; skipping metric publish")
		return
	}
	if len(data) == 0 {
		log.Debug("no metric data to publish")
		return
	}

	_, err := cloudWatch.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cloudWatch.namespace),
		MetricData: data,
	})
	if err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}
	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

// ensureDashboard puts a single-widget dashboard charting the headline
// ingestion metrics. Best effort: a failed put is logged and ignored.
func ensureDashboard(ctx context.Context) {
	if cloudWatch.client == nil {
		return
	}

	series := [][]string{
		{cloudWatch.namespace, "Coinflow-CPUPercent"},
		{cloudWatch.namespace, "Coinflow-MemoryMB"},
		{cloudWatch.namespace, "Coinflow-FeedReads"},
		{cloudWatch.namespace, "Coinflow-GapsDetected"},
		{cloudWatch.namespace, "Coinflow-Reconnects"},
	}
	body, err := json.Marshal(map[string]interface{}{
		"widgets": []map[string]interface{}{{
			"type":   "metric",
			"width":  24,
			"height": 6,
			"properties": map[string]interface{}{
				"metrics": series,
				"period":  60,
				"stat":    "Average",
				"title":   "Coinflow Ingestion Metrics",
			},
		}},
	})
	if err != nil {
		return
	}

	_, err = cloudWatch.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cloudWatch.dashboard),
		DashboardBody: aws.String(string(body)),
	})
	if err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
