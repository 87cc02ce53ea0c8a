package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"Chorus-Network/internal/agent"
	"Chorus-Network/internal/credits"
	"Chorus-Network/internal/registry"
	"Chorus-Network/pkg/logger"
	"Chorus-Network/sdk/go/chorus"
)

// main 启动一个托管内置技能的 Agent，并向 Chorus 节点注册、定期发送心跳。
func main() {
	var (
		addr      = flag.String("addr", ":9001", "监听地址")
		publicURL = flag.String("public-url", "", "节点访问本 Agent 的地址，默认 http://127.0.0.1<addr>")
		node      = flag.String("node", "http://127.0.0.1:8080", "Chorus 节点地址")
		name      = flag.String("name", "calculator", "Agent 名称")
		agentID   = flag.String("id", "", "Agent 标识，默认随机生成")
		owner     = flag.String("owner", "demo-owner", "所有者标识，收入记入该账户")
		skills    = flag.String("skills", "calculate=0.2", "以逗号分隔的 skill=cost 列表，可选 echo、analyze_text、calculate")
		beat      = flag.Duration("heartbeat", 30*time.Second, "心跳间隔，0 表示不发送")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Init(logger.Config{Service: "chorus-agent", Level: "info", Format: "text"}); err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}

	endpoint := strings.TrimSpace(*publicURL)
	if endpoint == "" {
		endpoint = "http://127.0.0.1" + *addr
	}
	container := agent.NewContainer(*name, *owner, agent.WithAgentID(*agentID), agent.WithEndpoint(endpoint))
	if err := addSkills(container, *skills); err != nil {
		log.Fatalf("配置技能失败: %v", err)
	}

	if err := serve(ctx, *addr, *node, *beat, container); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chorus-agent 运行失败: %v", err)
	}
}

func addSkills(c *agent.Container, spec string) error {
	for _, item := range strings.Split(spec, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, rawCost, _ := strings.Cut(item, "=")
		fn, ok := agent.BuiltinSkills[name]
		if !ok {
			return fmt.Errorf("未知技能 %q", name)
		}
		cost := credits.Amount(0)
		if rawCost != "" {
			parsed, err := credits.Parse(rawCost)
			if err != nil {
				return err
			}
			cost = parsed
		}
		if err := c.AddSkill(registry.Skill{Name: name, CostPerCall: cost}, fn); err != nil {
			return err
		}
	}
	return nil
}

func serve(ctx context.Context, addr, node string, beat time.Duration, c *agent.Container) error {
	lg := logger.Named("agent")
	srv := &http.Server{Addr: addr, Handler: agent.Handler(c), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	client, err := chorus.NewClient(node, nil)
	if err != nil {
		return err
	}
	client.SetOwner(c.Registration().OwnerID)
	registered, err := client.Register(ctx, toRegistration(c.Registration()))
	if err != nil {
		_ = srv.Close()
		return fmt.Errorf("注册失败: %w", err)
	}
	lg.Info("agent 已注册",
		slog.String("agent_id", registered.AgentID),
		slog.String("endpoint", c.Endpoint()),
		slog.Float64("reputation", registered.ReputationScore),
	)

	var ticks <-chan time.Time
	if beat > 0 {
		ticker := time.NewTicker(beat)
		defer ticker.Stop()
		ticks = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticks:
			if err := client.Heartbeat(ctx, registered.AgentID); err != nil {
				lg.Warn("心跳失败", slog.Any("error", err))
			}
		}
	}
}

func toRegistration(reg registry.Registration) chorus.Registration {
	skills := make([]chorus.Skill, 0, len(reg.Skills))
	for _, s := range reg.Skills {
		skills = append(skills, chorus.Skill{
			Name:         s.Name,
			Description:  s.Description,
			CostPerCall:  s.CostPerCall.Float64(),
			InputSchema:  s.InputSchema,
			OutputSchema: s.OutputSchema,
		})
	}
	return chorus.Registration{
		AgentID:  reg.AgentID,
		OwnerID:  reg.OwnerID,
		Name:     reg.Name,
		Endpoint: reg.Endpoint,
		Version:  reg.Version,
		Skills:   skills,
	}
}
