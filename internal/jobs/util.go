package jobs

import (
	"net"
	"strconv"

	"go.uber.org/zap"
)

// parseIPOrLog parses a dotted-quad IPv4 address, logging and returning
// nil on failure so callers can bail out of a sweep cleanly.
func parseIPOrLog(log *zap.Logger, raw string) net.IP {
	ip := net.ParseIP(raw)
	if ip == nil {
		log.Error("invalid IPv4 address in network range", zap.String("value", raw))
		return nil
	}
	return ip
}

// slaveString renders a Destination's optional slave id for logging,
// "-" when the destination addresses the unit directly.
func slaveString(slave *uint8) string {
	if slave == nil {
		return "-"
	}
	return strconv.Itoa(int(*slave))
}
