package ingest

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestEnsureTopicPartitions(t *testing.T) {
	tests := []struct {
		name                    string
		topic                   string
		desiredPartitions       int
		existingPartitions      int
		topicExists             bool
		expectedFinalPartitions int
	}{
		{
			name:                    "create new topic",
			topic:                   "create",
			desiredPartitions:       6,
			topicExists:             false,
			expectedFinalPartitions: 6,
		},
		{
			name:                    "topic exists with correct partitions",
			topic:                   "correct",
			desiredPartitions:       6,
			existingPartitions:      6,
			topicExists:             true,
			expectedFinalPartitions: 6,
		},
		{
			name:                    "topic exists with fewer partitions - grows",
			topic:                   "grow",
			desiredPartitions:       6,
			existingPartitions:      2,
			topicExists:             true,
			expectedFinalPartitions: 6,
		},
		{
			name:                    "topic exists with more partitions - untouched",
			topic:                   "shrink-refused",
			desiredPartitions:       2,
			existingPartitions:      6,
			topicExists:             true,
			expectedFinalPartitions: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
			require.NoError(t, err)
			t.Cleanup(cluster.Close)

			addrs := cluster.ListenAddrs()
			require.Len(t, addrs, 1)

			if tt.topicExists {
				cl, err := kgo.NewClient(kgo.SeedBrokers(addrs[0]))
				require.NoError(t, err)
				defer cl.Close()

				adm := kadm.NewClient(cl)
				defer adm.Close()

				_, err = adm.CreateTopic(context.Background(), int32(tt.existingPartitions), 1, nil, tt.topic)
				require.NoError(t, err)
			}

			cfg := KafkaConfig{
				Address:                          addrs[0],
				Topic:                            tt.topic,
				AutoCreateTopicDefaultPartitions: tt.desiredPartitions,
				AutoCreateTopicReplicationFactor: 1,
			}

			require.NoError(t, cfg.EnsureTopicPartitions(log.NewNopLogger()))

			cl, err := kgo.NewClient(kgo.SeedBrokers(addrs[0]))
			require.NoError(t, err)
			defer cl.Close()

			adm := kadm.NewClient(cl)
			defer adm.Close()

			td, err := adm.ListTopics(context.Background(), tt.topic)
			require.NoError(t, err)
			require.NoError(t, td.Error())

			actualPartitions := len(td[tt.topic].Partitions.Numbers())
			require.Equal(t, tt.expectedFinalPartitions, actualPartitions)
		})
	}
}
