package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type loginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
}

func login(apiAddr, username string) (loginResponse, error) {
	reqBody, _ := json.Marshal(map[string]string{"username": username})
	resp, err := http.Post(apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return loginResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return loginResponse{}, fmt.Errorf("login failed: %s", string(body))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return loginResponse{}, err
	}
	return lr, nil
}

// inboundEvent covers just the fields the terminal UI prints.
type inboundEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Sender  struct {
			Username string `json:"username"`
		} `json:"sender"`
	} `json:"message"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
	ErrorMsg string `json:"message"`
}

func main() {
	serverAddr := flag.String("addr", "localhost:8080", "gateway address")
	username := flag.String("user", "", "username to log in as")
	conversation := flag.String("conversation", "", "conversation id to join")
	flag.Parse()

	if *username == "" || *conversation == "" {
		log.Fatal("both -user and -conversation are required")
	}

	apiAddr := "http://" + *serverAddr
	log.Printf("Logging in as %s...", *username)
	lr, err := login(apiAddr, *username)
	if err != nil {
		log.Fatal(err)
	}

	u := url.URL{Scheme: "ws", Host: *serverAddr, Path: "/ws/chat/" + *conversation}
	q := u.Query()
	q.Set("token", lr.Token)
	u.RawQuery = q.Encode()
	log.Printf("connecting to %s", u.Path)

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer c.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, raw, err := c.ReadMessage()
			if err != nil {
				log.Println("read:", err)
				return
			}
			var ev inboundEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				fmt.Printf("\rraw: %s\n> ", raw)
				continue
			}
			switch ev.Type {
			case "message":
				if ev.Message != nil {
					fmt.Printf("\r%s: %s\n> ", ev.Message.Sender.Username, ev.Message.Content)
				}
			case "typing":
				if ev.IsTyping {
					fmt.Printf("\r%s is typing...\n> ", ev.Username)
				}
			case "status":
				state := "offline"
				if ev.IsOnline {
					state = "online"
				}
				fmt.Printf("\r%s is %s\n> ", ev.Username, state)
			case "error":
				fmt.Printf("\rserver error: %s\n> ", ev.ErrorMsg)
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("> ")
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				fmt.Print("> ")
				continue
			}
			if text == "/quit" {
				close(interrupt)
				break
			}

			var payload []byte
			if text == "/typing" {
				payload, _ = json.Marshal(map[string]string{"type": "typing"})
			} else {
				payload, _ = json.Marshal(map[string]string{"type": "message", "content": text})
			}
			if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Println("write:", err)
				break
			}
			fmt.Print("> ")
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-interrupt:
			log.Println("interrupt")
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.Println("write close:", err)
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
