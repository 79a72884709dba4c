// Package iperf holds the parts of the system that understand iperf3
// itself: the exact command lines the agents spawn, and the JSON report
// format both sides parse. Everything else treats iperf3 as opaque.
package iperf

import "strconv"

// ServerArgs builds the argument vector for an iperf3 server process:
// iperf3 -s -p {port} -J [-u].
func ServerArgs(port int, udp bool) []string {
	args := []string{"-s", "-p", strconv.Itoa(port), "-J"}
	if udp {
		args = append(args, "-u")
	}
	return args
}

// ClientArgs builds the argument vector for an iperf3 client run:
// iperf3 -c {ip} -p {port} -P {parallel} -t {time} -J [-u -b 0].
// UDP runs pass -b 0 so the send rate is unlimited rather than iperf3's
// 1 Mbit/s UDP default.
func ClientArgs(serverIP string, port, parallel, timeSeconds int, udp bool) []string {
	args := []string{
		"-c", serverIP,
		"-p", strconv.Itoa(port),
		"-P", strconv.Itoa(parallel),
		"-t", strconv.Itoa(timeSeconds),
		"-J",
	}
	if udp {
		args = append(args, "-u", "-b", "0")
	}
	return args
}
