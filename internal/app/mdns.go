package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_sensornet-ingest._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the HTTP API so field tooling can find the server on the LAN.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "ingest"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("Sensor Ingest (%s)", hostname))
	txt := mdnsTXT(a.cfg.MQTT.Broker, a.cfg.MQTT.Topic, a.cfg.MQTT.AlertTopic, a.cfg.MetricsPort)

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(broker, topic, alertTopic string, metricsPort int) []string {
	return []string{
		"api=/api",
		"broker=" + broker,
		"topic=" + topic,
		"alert_topic=" + alertTopic,
		fmt.Sprintf("metrics_port=%d", metricsPort),
		"proto=v1",
	}
}

// sanitizeMDNSInstance makes name usable as a DNS-SD instance label.
func sanitizeMDNSInstance(name string) string {
	cleaned := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "Sensor Ingest"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
