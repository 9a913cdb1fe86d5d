// fakeserver is a development stand-in for the telemetry gateway: it
// accepts the dashboard websocket, acknowledges auth and control
// frames, and streams random-walk vehicles around Dakar.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/AbdoulayeXYZ/karangue221-sub000/internal/stream/wire"
)

type vehicle struct {
	imei    string
	lat     float64
	lng     float64
	speed   float64
	heading float64
	fuel    float64
}

func newFleet(n int) []*vehicle {
	fleet := make([]*vehicle, n)
	for i := range fleet {
		imei := "3560440420" + strconv.Itoa(10000+i)
		fleet[i] = &vehicle{
			imei: imei,
			// around Dakar
			lat:     14.69 + rand.Float64()*0.1 - 0.05,
			lng:     -17.44 + rand.Float64()*0.1 - 0.05,
			speed:   rand.Float64() * 60,
			heading: rand.Float64() * 360,
			fuel:    40 + rand.Float64()*60,
		}
	}
	return fleet
}

func (v *vehicle) step() {
	v.heading += rand.Float64()*30 - 15
	for v.heading < 0 {
		v.heading += 360
	}
	for v.heading >= 360 {
		v.heading -= 360
	}
	v.speed += rand.Float64()*10 - 5
	if v.speed < 0 {
		v.speed = 0
	}
	if v.speed > 130 {
		v.speed = 130
	}
	v.lat += (rand.Float64()*2 - 1) * 0.001
	v.lng += (rand.Float64()*2 - 1) * 0.001
	v.fuel -= rand.Float64() * 0.05
	if v.fuel < 5 {
		v.fuel = 100
	}
}

func (v *vehicle) locationUpdate(now time.Time) wire.VehicleUpdate {
	speed := v.speed
	heading := v.heading
	return wire.VehicleUpdate{
		ID:        v.imei,
		Timestamp: now.UTC().Format(time.RFC3339),
		Location:  &wire.LatLng{Lat: v.lat, Lng: v.lng},
		Speed:     &speed,
		Heading:   &heading,
	}
}

func (v *vehicle) telemetryUpdate(now time.Time) wire.VehicleUpdate {
	fuel := v.fuel
	ign := v.speed > 0
	rpm := 800 + v.speed*25
	temp := 80 + rand.Float64()*15
	batt := 12.1 + rand.Float64()*1.5
	sats := 6 + rand.Intn(8)
	valid := true
	return wire.VehicleUpdate{
		ID:        v.imei,
		Timestamp: now.UTC().Format(time.RFC3339),
		Telemetry: &wire.Telemetry{
			Fuel:           &fuel,
			Ignition:       &ign,
			RPM:            &rpm,
			Temperature:    &temp,
			BatteryVoltage: &batt,
			Satellites:     &sats,
			GPSValid:       &valid,
		},
	}
}

type envelope struct {
	Type     string               `json:"type"`
	Vehicles []wire.VehicleUpdate `json:"vehicles,omitempty"`
	Event    *wire.VehicleEvent   `json:"event,omitempty"`
	Message  string               `json:"message,omitempty"`
}

type control struct {
	Action string `json:"action"`
	Type   string `json:"type,omitempty"`
}

type session struct {
	log   zerolog.Logger
	conn  *websocket.Conn
	fleet []*vehicle
}

func (s *session) sendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data) == nil
}

func (s *session) sendBatch(typ string, vehicles []wire.VehicleUpdate) bool {
	return s.sendJSON(envelope{Type: typ, Vehicles: vehicles})
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.log.Debug().Err(err).Msg("read loop ended")
			return
		}
		var c control
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		switch c.Action {
		case wire.ActionPing:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.conn.Write(ctx, websocket.MessageBinary, wire.PongFrame())
			cancel()
		case wire.ActionInitialData:
			s.snapshot()
		case wire.ActionSubscribe, wire.ActionUnsubscribe:
			s.log.Info().Str("action", c.Action).Str("type", c.Type).Msg("subscription change")
		}
	}
}

func (s *session) snapshot() {
	now := time.Now()
	locs := make([]wire.VehicleUpdate, len(s.fleet))
	tels := make([]wire.VehicleUpdate, len(s.fleet))
	for i, v := range s.fleet {
		locs[i] = v.locationUpdate(now)
		tels[i] = v.telemetryUpdate(now)
	}
	s.sendBatch(wire.TypeLocationUpdate, locs)
	s.sendBatch(wire.TypeTelemetryUpdate, tels)
}

func (s *session) streamLoop() {
	locTicker := time.NewTicker(2 * time.Second)
	telTicker := time.NewTicker(10 * time.Second)
	defer locTicker.Stop()
	defer telTicker.Stop()
	for {
		select {
		case <-locTicker.C:
			now := time.Now()
			batch := make([]wire.VehicleUpdate, len(s.fleet))
			for i, v := range s.fleet {
				v.step()
				batch[i] = v.locationUpdate(now)
			}
			if !s.sendBatch(wire.TypeLocationUpdate, batch) {
				return
			}
		case <-telTicker.C:
			now := time.Now()
			batch := make([]wire.VehicleUpdate, len(s.fleet))
			for i, v := range s.fleet {
				batch[i] = v.telemetryUpdate(now)
			}
			if !s.sendBatch(wire.TypeTelemetryUpdate, batch) {
				return
			}
			if rand.Intn(4) == 0 {
				v := s.fleet[rand.Intn(len(s.fleet))]
				s.sendJSON(envelope{Type: wire.TypeEvent, Event: &wire.VehicleEvent{
					VehicleID: v.imei,
					Type:      "harsh_braking",
					Severity:  "warning",
					Message:   "harsh braking detected",
					Timestamp: now.UTC().Format(time.RFC3339),
				}})
			}
		}
	}
}

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	count := flag.Int("vehicles", 8, "simulated fleet size")
	flag.Parse()
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	handler := func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			zlog.Err(err).Msg("upgrade failed")
			return
		}
		s := &session{
			log:   zlog.With().Str("remote", r.RemoteAddr).Logger(),
			conn:  conn,
			fleet: newFleet(*count),
		}
		s.log.Info().Str("token", r.URL.Query().Get("token")).Msg("dashboard connected")
		s.sendJSON(envelope{Type: wire.TypeAuthSuccess})
		go s.readLoop()
		s.streamLoop()
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	zlog.Info().Str("addr", *addr).Int("vehicles", *count).Msg("fake telemetry server listening")
	srv := &http.Server{
		Addr:           *addr,
		Handler:        http.HandlerFunc(handler),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	if err := srv.ListenAndServe(); err != nil {
		zlog.Fatal().Err(err).Msg("server stopped")
	}
}
