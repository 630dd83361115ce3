package main

import (
	"encoding/hex"
	"net"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"nuha.dev/gpsrelay/internal/gt06"
)

type options struct {
	addr  string
	imei  string
	lat   float64
	lon   float64
	every time.Duration
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("fakegt06", pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", "localhost:6000", "relay tracker address")
	fs.StringVar(&o.imei, "imei", "123456789012345", "tracker imei")
	fs.Float64Var(&o.lat, "lat", -34.6037, "start latitude")
	fs.Float64Var(&o.lon, "lon", -58.3816, "start longitude")
	fs.DurationVar(&o.every, "interval", 10*time.Second, "initial reporting interval")
	err := fs.Parse(args)
	return o, err
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("bad arguments")
	}

	c, err := net.Dial("tcp", opts.addr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial failed")
	}
	defer c.Close()

	var serial uint32
	next := func() uint16 { return uint16(atomic.AddUint32(&serial, 1)) }

	login, err := gt06.EncodeLogin(gt06.Identity(opts.imei), next())
	if err != nil {
		log.Fatal().Err(err).Msg("bad imei")
	}
	if _, err := c.Write(login); err != nil {
		log.Fatal().Err(err).Msg("login write failed")
	}
	log.Info().Str("imei", opts.imei).Msg("login sent")

	var period int64 = int64(opts.every)
	go readLoop(c, &period)

	ev := gt06.LocationEvent{Latitude: opts.lat, Longitude: opts.lon, Speed: 20, Heading: 90, SatCount: 7, Positioned: true}
	for i := 0; ; i++ {
		time.Sleep(time.Duration(atomic.LoadInt64(&period)))
		ev.Timestamp = time.Now().UTC().Truncate(time.Second)
		ev.Longitude += 0.0001
		if _, err := c.Write(gt06.EncodeLocation(ev, next())); err != nil {
			log.Fatal().Err(err).Msg("location write failed")
		}
		log.Info().Float64("lat", ev.Latitude).Float64("lon", ev.Longitude).Msg("location sent")
		if i%5 == 0 {
			// charging, battery 50%, signal 75%
			if _, err := c.Write(gt06.EncodeStatus(0x24, 4, 3, next())); err != nil {
				log.Fatal().Err(err).Msg("status write failed")
			}
		}
	}
}

func readLoop(c net.Conn, period *int64) {
	var buf []byte
	b := make([]byte, 512)
	for {
		n, err := c.Read(b)
		if err != nil {
			log.Fatal().Err(err).Msg("connection closed")
		}
		buf = append(buf, b[:n]...)
		for {
			f, size, err := gt06.DecodeFrame(buf)
			if err == gt06.ErrNeedMoreData {
				break
			}
			if err != nil {
				log.Warn().Str("data", hex.EncodeToString(buf)).Msg("garbage from server")
				buf = nil
				break
			}
			if cmd, _, ok := gt06.CommandText(f); ok {
				log.Info().Str("command", cmd).Msg("command received")
				applyCommand(cmd, period)
			} else {
				log.Debug().Str("ack", hex.EncodeToString(f.Raw)).Msg("ack received")
			}
			buf = buf[size:]
		}
	}
}

func applyCommand(cmd string, period *int64) {
	fields := strings.Split(strings.TrimSuffix(cmd, "#"), ",")
	if len(fields) >= 2 && fields[0] == "TIMER" {
		if s, err := strconv.Atoi(fields[1]); err == nil {
			atomic.StoreInt64(period, int64(time.Duration(s)*time.Second))
		}
	}
}
