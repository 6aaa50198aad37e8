package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"flow-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("coflow cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: coflow server start\n")
			os.Exit(1)
		}
	case "schedule":
		runSchedule(args)
	case "runs":
		runList(args)
	case "run":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: coflow run <run_id>\n")
			os.Exit(1)
		}
		runGet(args[0])
	case "pause", "resume", "retry":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: coflow %s <run_id>\n", cmd)
			os.Exit(1)
		}
		runLifecycle(args[0], cmd, nil)
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: coflow cancel <run_id> [reason]\n")
			os.Exit(1)
		}
		var body map[string]any
		if len(args) > 1 {
			body = map[string]any{"reason": strings.Join(args[1:], " ")}
		}
		runLifecycle(args[0], "cancel", body)
	case "approvals":
		runApprovals(args)
	case "approve":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: coflow approve <request_id> <decision> [responded_by]\n")
			os.Exit(1)
		}
		runApprove(args)
	case "dlq":
		runDLQ(args)
	case "stats":
		runStats()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: coflow <command> [args]")
	fmt.Println("  version                    - 显示版本")
	fmt.Println("  health                     - API 健康检查")
	fmt.Println("  config                     - 显示配置概要")
	fmt.Println("  server start               - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  schedule <workflow> [k=v ...] [--wait] - 排期一次 Run，--wait 等待终态")
	fmt.Println("  runs [workflow]            - 列出 Run（可按工作流过滤）")
	fmt.Println("  run <run_id>               - 查看单个 Run")
	fmt.Println("  pause <run_id>             - 暂停 Run")
	fmt.Println("  resume <run_id>            - 恢复 paused 的 Run")
	fmt.Println("  cancel <run_id> [reason]   - 取消 Run")
	fmt.Println("  retry <run_id>             - 为 failed 的 Run 创建新 Run")
	fmt.Println("  approvals [assignee]       - 列出待审批请求")
	fmt.Println("  approve <request_id> <decision> [responded_by] - 提交审批决策")
	fmt.Println("  dlq [workflow]             - 列出死信条目")
	fmt.Println("  dlq retry <entry_id>       - 按死信条目重试其 Run")
	fmt.Println("  dlq rm <entry_id>          - 删除死信条目")
	fmt.Println("  stats                      - 引擎统计")
	fmt.Println()
	fmt.Println("环境变量 COFLOW_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

func runHealth() {
	out, err := getHealth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "健康检查失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if cfg != nil {
		fmt.Printf("api.port=%d\n", cfg.API.Port)
		fmt.Printf("engine.max_concurrency=%d\n", cfg.Engine.MaxConcurrency)
		fmt.Printf("runstore.type=%s\n", cfg.RunStore.Type)
		fmt.Printf("idempotency.type=%s\n", cfg.Idempotency.Type)
		fmt.Printf("dlq.type=%s\n", cfg.DLQ.Type)
	}
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runSchedule(args []string) {
	workflow, input, wait, err := parseScheduleArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: coflow schedule <workflow> [k=v ...] [--wait]\n")
		os.Exit(1)
	}
	out, err := scheduleRun(workflow, input, wait)
	if err != nil {
		fmt.Fprintf(os.Stderr, "排期失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

// parseScheduleArgs 解析 schedule 参数：首个非选项参数为工作流名，
// k=v 组装为初始状态（值先按 JSON 解析，失败则按字符串）
func parseScheduleArgs(args []string) (string, map[string]any, bool, error) {
	var workflow string
	var wait bool
	input := map[string]any{}
	for _, a := range args {
		switch {
		case a == "--wait":
			wait = true
		case strings.Contains(a, "="):
			kv := strings.SplitN(a, "=", 2)
			input[kv[0]] = parseValue(kv[1])
		case workflow == "":
			workflow = a
		default:
			return "", nil, false, fmt.Errorf("多余参数: %s", a)
		}
	}
	if workflow == "" {
		return "", nil, false, fmt.Errorf("缺少工作流名")
	}
	return workflow, input, wait, nil
}

// parseValue 宽松解析参数值：合法 JSON 按其类型，否则按原始字符串
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func runList(args []string) {
	workflow := ""
	if len(args) > 0 {
		workflow = args[0]
	}
	runs, total, err := listRuns(workflow)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出 Run 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(runs))
	fmt.Printf("total: %d\n", total)
}

func runGet(runID string) {
	out, err := getRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询 Run 失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runLifecycle(runID, op string, body map[string]any) {
	out, err := runOp(runID, op, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s 失败: %v\n", op, err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runApprovals(args []string) {
	assignee := ""
	if len(args) > 0 {
		assignee = args[0]
	}
	approvals, err := listApprovals(assignee)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出审批失败: %v\n", err)
		os.Exit(1)
	}
	if len(approvals) == 0 {
		fmt.Println("[]")
		return
	}
	fmt.Println(prettyJSON(approvals))
}

func runApprove(args []string) {
	requestID := args[0]
	decision := parseDecision(args[1])
	respondedBy := os.Getenv("COFLOW_USER")
	if len(args) > 2 {
		respondedBy = args[2]
	}
	if respondedBy == "" {
		respondedBy = "cli"
	}
	out, err := respondApproval(requestID, decision, respondedBy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "提交审批失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

// parseDecision 解析决策值：数字为评分，true/false 为布尔，其余为选项
// 字符串。数字优先判定，ParseBool 会把 "1" 当布尔。
func parseDecision(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func runDLQ(args []string) {
	if len(args) > 0 {
		switch args[0] {
		case "retry":
			if len(args) < 2 {
				fmt.Fprintf(os.Stderr, "Usage: coflow dlq retry <entry_id>\n")
				os.Exit(1)
			}
			out, err := retryDeadLetter(args[1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "死信重试失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(prettyJSON(out))
			return
		case "rm":
			if len(args) < 2 {
				fmt.Fprintf(os.Stderr, "Usage: coflow dlq rm <entry_id>\n")
				os.Exit(1)
			}
			if err := removeDeadLetter(args[1]); err != nil {
				fmt.Fprintf(os.Stderr, "删除死信失败: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("removed")
			return
		}
	}
	workflow := ""
	if len(args) > 0 {
		workflow = args[0]
	}
	entries, total, err := listDeadLetters(workflow)
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出死信失败: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("[]")
	} else {
		fmt.Println(prettyJSON(entries))
	}
	fmt.Printf("total: %d\n", total)
}

func runStats() {
	out, err := getStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "获取统计失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}
