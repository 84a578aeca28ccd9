package redis

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	redigolib "github.com/gomodule/redigo/redis"
)

type redisConnector struct {
	URL            *redisURL
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
}

// NewPool returns a new pool of Redis connections
func (rc *redisConnector) NewPool() *redigolib.Pool {
	return &redigolib.Pool{
		MaxIdle:     3,
		IdleTimeout: 240 * time.Second,
		Dial:        rc.open,
		// PINGs connections that have been idle more than 10 seconds
		TestOnBorrow: func(c redigolib.Conn, t time.Time) error {
			if time.Since(t) < 10*time.Second {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Open a new Redis connection
func (rc *redisConnector) open() (redigolib.Conn, error) {
	opts := []redigolib.DialOption{
		redigolib.DialDatabase(rc.URL.DB),
		redigolib.DialReadTimeout(rc.ReadTimeout),
		redigolib.DialWriteTimeout(rc.WriteTimeout),
		redigolib.DialConnectTimeout(rc.ConnectTimeout),
	}

	if rc.URL.Password != "" {
		opts = append(opts, redigolib.DialPassword(rc.URL.Password))
	}

	if rc.URL.SocketPath != "" {
		return redigolib.Dial("unix", rc.URL.SocketPath, opts...)
	}

	return redigolib.Dial("tcp", rc.URL.Host, opts...)
}

// A redisURL represents a parsed redisURL
// The general form represented is:
//
//	redis://[password@]host][/][db]
//	redis-socket://[password@]path[?db=db]
type redisURL struct {
	Host       string
	SocketPath string
	Password   string
	DB         int
}

// parseRedisURL parse rawurl into redisURL
func parseRedisURL(target string) (*redisURL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "redis-socket" {
		return nil, errors.New("no redis scheme found")
	}

	db := 0 // default redis db
	socketPath := ""

	switch u.Scheme {
	case "redis":
		path := strings.TrimPrefix(u.Path, "/")
		if path != "" {
			db, err = strconv.Atoi(path)
			if err != nil {
				return nil, err
			}
		}
	case "redis-socket":
		socketPath = u.Path
		dbval := u.Query().Get("db")
		if dbval != "" {
			db, err = strconv.Atoi(dbval)
			if err != nil {
				return nil, err
			}
		}
	}

	return &redisURL{
		Host:       u.Host,
		SocketPath: socketPath,
		Password:   u.User.String(),
		DB:         db,
	}, nil
}
