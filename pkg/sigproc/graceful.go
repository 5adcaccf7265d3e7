package sigproc

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/didier3529/bradley-dataflow/pkg/goplus"
)

type HandlerFunc func(os.Signal)

// GracefulShutdown 监听退出信号并执行关闭逻辑，超过 30 秒强制退出
func GracefulShutdown(shutdown HandlerFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	goplus.Go(func() {
		sig := <-sigChan
		log.Info().Msg(fmt.Sprintf("received signal: %s", sig.String()))

		goplus.Go(func() {
			shutdown(sig)
		})

		<-time.After(30 * time.Second)
		os.Exit(0)
	})
}
