// Command picorpc inspects RPC descriptors and calls methods on a peer.
//
//	picorpc id pico.test.EchoService Echo
//	picorpc methods --descriptors echo.pb
//	picorpc call --descriptors echo.pb --addr 127.0.0.1:8080 --request '{"value":"hi"}' pico.test.EchoService/Echo
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"

	"pico-rpc/callback"
	"pico-rpc/client"
	"pico-rpc/codec"
	"pico-rpc/descriptor"
	"pico-rpc/discovery"
	"pico-rpc/loadbalance"
	"pico-rpc/middleware"
	"pico-rpc/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "picorpc"
	app.Usage = "inspect RPC descriptors and call methods over HDLC framed streams"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "log-level",
			Value:  "warn",
			Usage:  "debug, info, warn or error",
			EnvVar: "PICORPC_LOG_LEVEL",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:      "id",
			Usage:     "Print the ids of service and method names",
			ArgsUsage: "NAME...",
			Action:    idCommand,
		},
		cli.Command{
			Name:  "methods",
			Usage: "List the methods in a descriptor set",
			Flags: []cli.Flag{
				descriptorsFlag,
			},
			Action: methodsCommand,
		},
		cli.Command{
			Name:      "call",
			Usage:     "Call a unary or server streaming method",
			ArgsUsage: "METHOD",
			Flags: []cli.Flag{
				descriptorsFlag,
				cli.StringFlag{
					Name:  "addr, a",
					Usage: "TCP address of the peer",
				},
				cli.StringFlag{
					Name:   "etcd",
					Usage:  "comma separated etcd endpoints used to find the peer",
					EnvVar: "PICORPC_ETCD_ENDPOINTS",
				},
				cli.StringFlag{
					Name:  "service",
					Usage: "service name to discover; defaults to the method's service",
				},
				cli.StringFlag{
					Name:  "balancer",
					Value: "roundrobin",
					Usage: "roundrobin, random or consistenthash",
				},
				cli.StringFlag{
					Name:  "key",
					Usage: "hash key for --balancer consistenthash, such as a device serial",
				},
				cli.UintFlag{
					Name:  "channel, c",
					Value: 1,
					Usage: "channel id",
				},
				cli.Uint64Flag{
					Name:  "hdlc-address",
					Value: transport.DefaultAddress,
					Usage: "HDLC address of RPC frames",
				},
				cli.StringFlag{
					Name:  "request, r",
					Value: "{}",
					Usage: "request message as protobuf JSON",
				},
				cli.StringFlag{
					Name:  "codec",
					Value: "proto",
					Usage: "payload encoding, proto or json",
				},
				cli.DurationFlag{
					Name:  "timeout, t",
					Value: 10 * time.Second,
				},
				cli.Float64Flag{
					Name:  "rate",
					Usage: "limit outgoing packets per second; 0 is unlimited",
				},
				cli.BoolFlag{
					Name:  "drop",
					Usage: "drop packets over --rate instead of waiting",
				},
				cli.DurationFlag{
					Name:  "output-timeout",
					Usage: "fail packet writes that take longer than this; 0 waits forever",
				},
			},
			Action: callCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var descriptorsFlag = cli.StringFlag{
	Name:  "descriptors, d",
	Usage: "file with a serialized FileDescriptorSet (protoc --descriptor_set_out --include_imports)",
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.GlobalString("log-level"))
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func idCommand(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.NewExitError("expected at least one name", 2)
	}
	for _, name := range c.Args() {
		fmt.Printf("%08x  %s\n", descriptor.ID(name), name)
	}
	return nil
}

func loadServices(c *cli.Context) ([]*descriptor.Service, error) {
	path := c.String("descriptors")
	if path == "" {
		return nil, cli.NewExitError("--descriptors is required", 2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return descriptor.FromFileDescriptorSet(&set)
}

func methodsCommand(c *cli.Context) error {
	services, err := loadServices(c)
	if err != nil {
		return err
	}
	for _, s := range services {
		for _, m := range s.Methods.All() {
			fmt.Printf("%08x/%08x  %-24s %s(%s) returns (%s)\n",
				s.ID, m.ID, m.Type, m.FullName(),
				m.Request.Descriptor().FullName(), m.Response.Descriptor().FullName())
		}
	}
	return nil
}

func callCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected exactly one METHOD", 2)
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	services, err := loadServices(c)
	if err != nil {
		return err
	}
	ss, err := descriptor.NewServices(services...)
	if err != nil {
		return err
	}
	method, err := ss.Method(c.Args().First())
	if err != nil {
		return err
	}

	request := method.Request.New().Interface()
	if err := protojson.Unmarshal([]byte(c.String("request")), request); err != nil {
		return errors.Wrap(err, "parse --request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	opts := []transport.Option{transport.WithAddress(c.Uint64("hdlc-address")), transport.WithLogger(logger)}
	tr, err := connect(ctx, c, method, logger, opts)
	if err != nil {
		return err
	}
	defer tr.Close()

	output := middleware.Chain(outputMiddleware(c, logger)...)(tr.Output)

	cdc := codec.GetCodec(codec.CodecTypeProto)
	if c.String("codec") == "json" {
		cdc = codec.GetCodec(codec.CodecTypeJSON)
	}
	channel := descriptor.NewChannel(uint32(c.Uint("channel")), output)
	cl, err := client.NewClient(
		callback.New(callback.WithCodec(cdc), callback.WithLogger(logger)),
		[]*descriptor.Channel{channel},
		services,
		client.WithCodec(cdc),
		client.WithLogger(logger))
	if err != nil {
		return err
	}
	go func() {
		if err := tr.Serve(func(data []byte) { cl.ProcessPacket(data) }); err != nil {
			logger.Warn("transport stopped", zap.Error(err))
		}
	}()

	cc, _ := cl.Channel(channel.ID)
	mc, err := callback.Method(cc, method.FullName())
	if err != nil {
		return err
	}

	switch {
	case method.Type == descriptor.Unary:
		resp, err := mc.Unary(ctx, request)
		if err != nil {
			return err
		}
		return printMessage(resp)
	case method.Type.IsServerStreaming() && !method.Type.IsClientStreaming():
		var printErr error
		err := mc.ServerStream(ctx, request, func(msg proto.Message) {
			if err := printMessage(msg); err != nil && printErr == nil {
				printErr = err
			}
		})
		if err != nil {
			return err
		}
		return printErr
	default:
		return errors.Errorf("%s is %s; only unary and server streaming methods can be called", method.FullName(), method.Type)
	}
}

func outputMiddleware(c *cli.Context, logger *zap.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.Logging(logger.Named("output"))}
	if r := c.Float64("rate"); r > 0 {
		if c.Bool("drop") {
			mws = append(mws, middleware.Throttle(r, 1))
		} else {
			mws = append(mws, middleware.RateLimit(r, 1))
		}
	}
	if d := c.Duration("output-timeout"); d > 0 {
		mws = append(mws, middleware.Timeout(d))
	}
	return mws
}

func connect(ctx context.Context, c *cli.Context, method *descriptor.Method, logger *zap.Logger, opts []transport.Option) (*transport.Transport, error) {
	if addr := c.String("addr"); addr != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return transport.New(conn, opts...), nil
	}

	endpoints := c.String("etcd")
	if endpoints == "" {
		return nil, cli.NewExitError("one of --addr or --etcd is required", 2)
	}
	reg, err := discovery.NewEtcdRegistry(strings.Split(endpoints, ","), logger)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	service := c.String("service")
	if service == "" {
		service = method.Service.FullName
	}
	d := &transport.Dialer{
		Registry: reg,
		Balancer: loadbalance.ByName(c.String("balancer"), c.String("key")),
		Options:  opts,
		Logger:   logger,
	}
	tr, _, err := d.Dial(ctx, service)
	return tr, err
}

func printMessage(msg proto.Message) error {
	out, err := protojson.MarshalOptions{Multiline: true}.Marshal(msg)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
