// Command inject publishes one hand-made reading envelope to the broker. It does not
// check the type or node against the registry, so it can seed both accepted and
// rejected paths of a running server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sensornet/ingest-server/internal/config"
)

type envelope struct {
	ID   int64   `json:"id"`
	Type int64   `json:"type"`
	Data float64 `json:"data"`
	Time int64   `json:"time"`
}

var flags struct {
	typeCode int64
	node     int64
	value    float64
	broker   string
	topic    string
	qos      int
}

var rootCmd = &cobra.Command{
	Use:   "inject",
	Short: "Publish one sensor reading for testing",
	Long: `Publish a single {"id","type","data","time"} envelope to the ingest topic,
stamped with the current time.`,
	Args: cobra.NoArgs,
	RunE: runInject,
}

func init() {
	cfg, err := config.Load()
	if err != nil {
		cfg.MQTT.Broker, cfg.MQTT.Topic = "tcp://localhost:1883", "sensores/paquetes"
	}

	f := rootCmd.Flags()
	f.Int64Var(&flags.typeCode, "type", 0, "measurement type code")
	f.Int64Var(&flags.node, "nodo", 0, "node id")
	f.Float64Var(&flags.value, "dato", 0, "value to send")
	f.StringVar(&flags.broker, "broker", cfg.MQTT.Broker, "MQTT broker URL")
	f.StringVar(&flags.topic, "topic", cfg.MQTT.Topic, "topic to publish on")
	f.IntVar(&flags.qos, "qos", int(cfg.MQTT.QoS), "MQTT QoS (0-2)")

	for _, name := range []string{"type", "nodo", "dato"} {
		_ = rootCmd.MarkFlagRequired(name)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInject(cmd *cobra.Command, _ []string) error {
	if flags.qos < 0 || flags.qos > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", flags.qos)
	}

	payload, err := buildEnvelope(flags.node, flags.typeCode, flags.value, time.Now())
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(flags.broker).
		SetClientID("inject-" + uuid.NewString()).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker %s: %w", flags.broker, token.Error())
	}
	defer client.Disconnect(250)

	token := client.Publish(flags.topic, byte(flags.qos), false, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	cmd.Printf("sent to %s: %s\n", flags.topic, payload)
	return nil
}

func buildEnvelope(node, typeCode int64, value float64, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(envelope{ID: node, Type: typeCode, Data: value, Time: now.Unix()})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return payload, nil
}
