package alert

import (
	"order-engine-go/infrastructure/logger"

	"go.uber.org/zap"
)

// LogChannel 把告警写入结构化日志
type LogChannel struct {
	log  *logger.Logger
	name string
}

// NewLogChannel 创建日志告警通道
func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{
		log:  log.Named("alert"),
		name: name,
	}
}

// Send 按告警级别映射到日志级别
func (c *LogChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+2)
	fields = append(fields, zap.String("level", a.Level), zap.Time("alert_ts", a.Timestamp))
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch a.Level {
	case LevelCritical, LevelError:
		c.log.Error(a.Message, fields...)
	case LevelWarning:
		c.log.Warn(a.Message, fields...)
	default:
		c.log.Info(a.Message, fields...)
	}
	return nil
}

// Name 返回通道名称
func (c *LogChannel) Name() string {
	return c.name
}
