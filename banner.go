package qchat

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 服务版本号
const Version = "0.3.0"

const banner = `
  ____   ____ _           _
 / __ \ / ___| |__   __ _| |_    qchat %s
| |  | | |   | '_ \ / _' | __|   chat: %s/ws/chat/:conversation_id
| |__| | |___| | | | (_| | |_
 \___\_\\____|_| |_|\__,_|\__|

`

var methodColors = map[string]string{
	"GET":    "\033[34m",
	"POST":   "\033[32m",
	"PUT":    "\033[33m",
	"DELETE": "\033[31m",
	"PATCH":  "\033[36m",
}

const resetColor = "\033[0m"

func (e *Engine) printBanner(addr string) {
	w := os.Stdout
	fmt.Fprintf(w, banner, Version, wsURL(addr))
	if routes := e.engine.Routes(); len(routes) > 0 {
		writeRoutes(w, routes, e.config.Mode)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "[qchat] mode=%s %s %s/%s\n", e.config.Mode, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func wsURL(addr string) string {
	host, port, ok := strings.Cut(addr, ":")
	switch {
	case !ok:
		return "ws://127.0.0.1:" + addr
	case host == "":
		return "ws://127.0.0.1:" + port
	}
	return "ws://" + addr
}

func writeRoutes(w io.Writer, routes gin.RoutesInfo, mode string) {
	width := 0
	for _, r := range routes {
		width = max(width, len(r.Path))
	}
	for _, r := range routes {
		color, ok := methodColors[r.Method]
		if !ok {
			color = resetColor
		}
		fmt.Fprintf(w, "[qchat-%s] %s%-7s%s %-*s --> %s\n", mode, color, r.Method, resetColor, width, r.Path, r.Handler)
	}
}

// silenceGin 关闭 gin 自带的路由与错误输出
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}
