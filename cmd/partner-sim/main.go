// partner-sim simulates a partner device against a running daemon: it
// publishes heartbeat pushes on the target user's push topic and a wandering
// stream of location samples on the simulated user's own location topic, so
// the full heartbeat and presence paths can be exercised without real
// devices.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type pushPayload struct {
	Category  string `json:"category"`
	FromID    string `json:"from_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type locationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp string  `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	userID := flag.String("user-id", "sim-partner-1", "Simulated user identifier")
	targetID := flag.String("target-id", "", "Paired user identifier to send heartbeat pushes to")
	lat := flag.Float64("lat", 40.7484, "Starting latitude")
	lon := flag.Float64("lon", -73.9857, "Starting longitude")
	accuracy := flag.Float64("accuracy", 15, "Reported sample accuracy in meters")
	wander := flag.Float64("wander", 0.0002, "Maximum per-tick random walk in degrees")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published samples")
	heartbeatEvery := flag.Int("heartbeat-every", 6, "Send a heartbeat push every N samples (0 disables)")

	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	clientID := fmt.Sprintf("%s-simulator-%d", *userID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	curLat, curLon := *lat, *lon
	tick := 0

	publishLocation := func() {
		curLat += (rand.Float64()*2 - 1) * *wander
		curLon += (rand.Float64()*2 - 1) * *wander

		payload := locationPayload{
			Latitude:  curLat,
			Longitude: curLon,
			Accuracy:  *accuracy,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode location payload: %v", err)
			return
		}

		topic := fmt.Sprintf("pairbeat/users/%s/location", *userID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.5f lon=%.5f", topic, curLat, curLon)
	}

	publishHeartbeat := func() {
		if *targetID == "" {
			return
		}
		payload := pushPayload{
			Category:  "heartbeat",
			FromID:    *userID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		}
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode push payload: %v", err)
			return
		}

		topic := fmt.Sprintf("pairbeat/users/%s/push", *targetID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s", topic)
	}

	publishLocation()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publishLocation()
			tick++
			if *heartbeatEvery > 0 && tick%*heartbeatEvery == 0 {
				publishHeartbeat()
			}
		}
	}
}
