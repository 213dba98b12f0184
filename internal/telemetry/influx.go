package telemetry

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"sleepywoodpecker/adcstream/internal/processing"
)

const SamplingChannelName = "adcstream"

// InfluxUDP sends one line protocol record per frame to a telegraf/influx UDP listener.
type InfluxUDP struct {
	udpConn     *net.UDPConn
	measurement string
}

func DialInfluxUDP(addr string) (*InfluxUDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("[influx] resolving %s: %w", addr, err)
	}

	udpConn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("[influx] dialing %s: %w", addr, err)
	}

	return &InfluxUDP{
		udpConn:     udpConn,
		measurement: SamplingChannelName,
	}, nil
}

// FormatInfluxLine renders the frame summary as a single line protocol record.
func FormatInfluxLine(measurement string, f processing.Frame) string {
	var b strings.Builder
	b.WriteString(measurement)
	b.WriteString(",generation=")
	b.WriteString(strconv.FormatUint(f.Generation, 10))
	fmt.Fprintf(&b, " mean_v=%.6f,rms_mv=%.4f,instant_rms_mv=%.4f", f.Mean, f.FilteredRMS*1e3, f.InstantRMS*1e3)
	fmt.Fprintf(&b, ",sample_rate=%di,decimation_ratio=%di", f.Config.SampleRate, f.Config.DecimationRatio)
	fmt.Fprintf(&b, ",recording=%t,recorded_s=%.1f,faulted=%t", f.Recording, f.RecordedSeconds, f.Faulted)
	fmt.Fprintf(&b, ",seq=%di,batches=%di,stale_dropped=%di", f.Seq, f.Batches, f.StaleDropped)
	fmt.Fprintf(&b, " %d", f.Timestamp.UnixNano())
	return b.String()
}

func (u *InfluxUDP) Publish(_ context.Context, f processing.Frame) error {
	return u.sendToUDPConn(FormatInfluxLine(u.measurement, f))
}

func (u *InfluxUDP) Name() string {
	return "influx"
}

func (u *InfluxUDP) Close() error {
	return u.udpConn.Close()
}

func (u *InfluxUDP) sendToUDPConn(formattedData string) error {
	payload := []byte(formattedData)
	totalWritten := 0
	for totalWritten < len(payload) {
		n, err := u.udpConn.Write(payload[totalWritten:])
		if err != nil {
			return err
		}
		totalWritten += n
	}

	return nil
}
