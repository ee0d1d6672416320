/*
Package dialog предоставляет полную реализацию управления SIP диалогами
согласно RFC 3261, включая поддержку расширенных функций переадресации (RFC 3515)
и множественных транспортных протоколов.

# Основные компоненты

Пакет состоит из следующих ключевых компонентов:

1. Dialog - представляет SIP диалог между двумя User Agent
2. Stack - точка входа пакета: поднимает транспорт, маршрутизирует входящие
   запросы к диалогам и создаёт исходящие
3. TransportConfig - конфигурация транспортного протокола (UDP, TCP, TLS)

# Жизненный цикл диалога

Диалог проходит через следующие состояния:

	DialogStateInit        → диалог создан, INVITE еще не отправлен/получен
	DialogStateTrying      → исходящий INVITE отправлен (UAC)
	DialogStateRinging     → получен/отправлен предварительный ответ
	DialogStateEstablished → диалог установлен (200 OK + ACK)
	DialogStateTerminated  → диалог завершён

# Базовое использование

Создание Stack и исходящий звонок:

	cfg := &dialog.StackConfig{
		Transport: &dialog.TransportConfig{
			Protocol: "udp",
			Address:  "0.0.0.0",
			Port:     5060,
		},
		UserAgent: "MyApp/1.0",
		Logger:    logger,
	}

	stack, err := dialog.NewStack(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	defer stack.Shutdown(ctx)
	go stack.Start(ctx)

	target, _ := sip.ParseUri("sip:alice@example.com")
	dlg, err := stack.NewInvite(ctx, target, dialog.InviteOpts{
		Body: dialog.NewBody("application/sdp", []byte(sdpOffer)),
	})
	if err != nil {
		log.Fatal(err)
	}

	established := make(chan struct{})
	dlg.OnStateChange(func(state dialog.DialogState) {
		if state == dialog.DialogStateEstablished {
			close(established)
		}
	})
	<-established

# Обработка входящих вызовов

Регистрация обработчика входящих диалогов:

	stack.OnIncomingDialog(func(dlg dialog.IDialog) {
		sdpAnswer := dialog.NewBody("application/sdp", []byte(answerSDP))
		if err := dlg.Accept(ctx, dialog.ResponseWithBody(sdpAnswer.Data()),
			dialog.ResponseWithContentType(sdpAnswer.ContentType())); err != nil {
			dlg.Reject(ctx, 486, "Busy Here")
		}
	})

# Переадресация вызовов (REFER)

Поддержка переадресации согласно RFC 3515:

	// Слепая переадресация
	err := dlg.Refer(ctx, sip.Uri{
		Scheme: "sip",
		User:   "charlie",
		Host:   "example.com",
	}, dialog.ReferOpts{})

	// Переадресация с заменой диалога
	err := dlg.ReferReplace(ctx, anotherDialog, dialog.ReferOpts{})

# Транспортные протоколы

Поддерживаются следующие транспорты через TransportConfig.Protocol:
"udp", "tcp", "tls".

	udpConfig := dialog.TransportConfig{Protocol: "udp", Address: "0.0.0.0", Port: 5060}
	tcpConfig := dialog.TransportConfig{Protocol: "tcp", Address: "0.0.0.0", Port: 5061}
	tlsConfig := dialog.TransportConfig{Protocol: "tls", Address: "0.0.0.0", Port: 5062}

# Логирование

Поддерживается структурированное логирование через pkg/logging; Stack
принимает *log.Logger в StackConfig.Logger.

# Соответствие стандартам

Пакет реализует следующие RFC:

- RFC 3261 - SIP: Session Initiation Protocol
- RFC 3515 - The Session Initiation Protocol (SIP) Refer Method
- RFC 3891 - The SIP "Replaces" Header

*/
package dialog
