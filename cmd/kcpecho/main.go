// Command kcpecho is a minimal demonstration of the engine's session and
// listener layer: in "listen" mode it echoes every payload back to its
// sender, in "dial" mode it sends lines from stdin and prints whatever
// comes back. It exists to exercise the ambient production shell
// (config, logging, metrics) end to end, not as a protocol conformance
// tool.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"

	"github.com/ARwMq9b6/kcp"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)

		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
}

func _main() error {
	var configFile string
	flag.StringVar(&configFile, "c", "./kcpecho.toml", "path of config file")
	flag.Parse()

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	if conf.Metrics != "" {
		prometheus.MustRegister(kcp.NewCollector(&kcp.DefaultStats))
		go func() {
			glog.Infof("metrics listening on %s", conf.Metrics)
			if err := http.ListenAndServe(conf.Metrics, promhttp.Handler()); err != nil {
				glog.Errorf("metrics server exited: %v", err)
			}
		}()
	}

	switch conf.Mode {
	case "listen":
		return runListen(conf)
	case "dial":
		return runDial(conf)
	default:
		return errors.Errorf("unreachable mode %q", conf.Mode)
	}
}

func runListen(conf *configRepr) error {
	l, err := kcp.ListenUDP(conf.Listen)
	if err != nil {
		return errors.WithStack(err)
	}
	defer l.Close()
	glog.Infof("kcpecho: listening on %s", l.Addr())

	for {
		sess, err := l.Accept()
		if err != nil {
			return errors.WithStack(err)
		}
		tune(sess, conf)
		go echoLoop(sess)
	}
}

func echoLoop(sess *kcp.Session) {
	buf := make([]byte, 65536)
	for {
		n, err := sess.Read(buf)
		if err != nil {
			glog.V(1).Infof("kcpecho: session %s closed: %v", sess.ID(), err)
			return
		}
		if _, err := sess.Write(buf[:n]); err != nil {
			glog.Warningf("kcpecho: session %s write error: %v", sess.ID(), err)
			return
		}
	}
}

func runDial(conf *configRepr) error {
	conv := rand.Uint32()
	sess, err := kcp.DialUDP(conv, conf.Dial)
	if err != nil {
		return errors.WithStack(err)
	}
	defer sess.Close()
	tune(sess, conf)
	glog.Infof("kcpecho: dialed %s conv=%d", conf.Dial, conv)

	go func() {
		buf := make([]byte, 65536)
		for {
			n, err := sess.Read(buf)
			if err != nil {
				return
			}
			fmt.Printf("< %s\n", buf[:n])
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if _, err := sess.Write(scanner.Bytes()); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func tune(sess *kcp.Session, conf *configRepr) {
	t := conf.Tuning
	if t.Mtu > 0 {
		if err := sess.SetMtu(t.Mtu); err != nil {
			glog.Warningf("kcpecho: set mtu: %v", err)
		}
	}
	if t.SndWnd > 0 || t.RcvWnd > 0 {
		sess.SetWindowSize(t.SndWnd, t.RcvWnd)
	}
	sess.SetNoDelay(t.NoDelay, t.Interval, t.Resend, t.NoCwnd)
	if t.DSCP > 0 {
		if err := sess.SetDSCP(t.DSCP); err != nil {
			glog.V(1).Infof("kcpecho: set dscp: %v", err)
		}
	}
}
